package supervisor

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// newBotID returns a fresh identifier; every generation gets its own.
func newBotID() string {
	u := uuid.New()
	return "bot-" + base62.EncodeToString(u[:])
}
