package trading

import (
	"testing"

	"botfleet/internal/pkg/targets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ladder = []targets.Target{{Threshold: 0.01, Fraction: 0.5}, {Threshold: 0.02, Fraction: 0.5}}

func TestPositionWalksLadder(t *testing.T) {
	p := NewPosition(false, 100, 2, ladder)

	assert.Empty(t, p.Observe(100.5, 2))
	fills := p.Observe(101, 2)
	require.Len(t, fills, 1)
	assert.Equal(t, "target_1", fills[0].Reason)
	assert.InDelta(t, 1.0, fills[0].Qty, 1e-12)
	assert.False(t, p.Done())

	fills = p.Observe(102.5, 2)
	require.Len(t, fills, 1)
	assert.Equal(t, "target_2", fills[0].Reason)
	assert.True(t, p.Done())
	assert.InDelta(t, 1.75, p.RealizedPct(), 1e-9)
	assert.Nil(t, p.Observe(200, 2))
}

func TestPositionGapHitsSeveralTargets(t *testing.T) {
	p := NewPosition(false, 100, 2, ladder)
	fills := p.Observe(103, 2)
	require.Len(t, fills, 2)
	assert.True(t, p.Done())
	assert.InDelta(t, 3.0, p.RealizedPct(), 1e-9)
}

func TestPositionStopLoss(t *testing.T) {
	p := NewPosition(false, 100, 2, ladder)
	p.Observe(101, 1.5)
	fills := p.Observe(98, 1.5)
	require.Len(t, fills, 1)
	assert.Equal(t, "stop_loss", fills[0].Reason)
	assert.InDelta(t, 1.0, fills[0].Qty, 1e-12)
	assert.True(t, p.Done())
	// +1% on half, -2% on half
	assert.InDelta(t, -0.5, p.RealizedPct(), 1e-9)
}

func TestPositionShortGain(t *testing.T) {
	p := NewPosition(true, 100, 1, ladder)
	assert.InDelta(t, 0.01, p.Gain(99), 1e-12)
	fills := p.Observe(99, 5)
	require.Len(t, fills, 1)

	f := p.Close(99.5, "max_runtime")
	require.NotNil(t, f)
	assert.True(t, p.Done())
	assert.InDelta(t, 0.75, p.RealizedPct(), 1e-9)
	assert.Nil(t, p.Close(99, "again"))
}

func TestCalcCloseAmount(t *testing.T) {
	assert.Equal(t, 0.0, CalcCloseAmount(0, 1, 0.5, true))
	assert.Equal(t, 0.5, CalcCloseAmount(1, 1, 0.5, true))
	assert.Equal(t, 0.3, CalcCloseAmount(0.3, 1, 0.5, true))
	assert.Equal(t, 0.15, CalcCloseAmount(0.3, 1, 0.5, false))
}
