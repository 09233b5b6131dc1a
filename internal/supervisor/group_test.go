package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowRespawnSlidingWindow(t *testing.T) {
	g := newGroup("bot-g", BotConfig{})
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		assert.True(t, g.allowRespawn(base.Add(time.Duration(i)*time.Second), time.Minute, 5))
	}
	assert.False(t, g.allowRespawn(base.Add(10*time.Second), time.Minute, 5))
	// the first restart has left the window
	assert.True(t, g.allowRespawn(base.Add(61*time.Second), time.Minute, 5))
}

func TestGroupFireIsSingleShot(t *testing.T) {
	g := newGroup("bot-g", BotConfig{})
	assert.False(t, g.fired())
	g.fire()
	g.fire()
	assert.True(t, g.fired())
}

func TestNewBotIDIsUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := newBotID()
		assert.Regexp(t, `^bot-[0-9A-Za-z]+$`, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}
