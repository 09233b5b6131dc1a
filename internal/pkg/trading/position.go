// Package trading provides trading calculation utilities.
package trading

import (
	"fmt"
	"math"

	"botfleet/internal/pkg/targets"
)

const dust = 1e-12

// Fill is one (simulated) exit from a position.
type Fill struct {
	Qty     float64
	Price   float64
	GainPct float64
	Reason  string
}

// Position walks a take-profit ladder with a stop-loss floor.
type Position struct {
	Short     bool
	Entry     float64
	Initial   float64
	Remaining float64

	ladder   []targets.Target
	hit      []bool
	realized float64
}

func NewPosition(short bool, entry, qty float64, ladder []targets.Target) *Position {
	return &Position{
		Short:     short,
		Entry:     entry,
		Initial:   qty,
		Remaining: qty,
		ladder:    ladder,
		hit:       make([]bool, len(ladder)),
	}
}

// Gain is the move from entry in the position's favour, as a ratio.
func (p *Position) Gain(price float64) float64 {
	if p.Entry <= 0 {
		return 0
	}
	g := (price - p.Entry) / p.Entry
	if p.Short {
		return -g
	}
	return g
}

func (p *Position) Done() bool { return p.Remaining <= dust }

// Observe applies one price tick: a stop-loss hit closes everything,
// otherwise every newly reached target sells its fraction of the initial
// size.
func (p *Position) Observe(price, stopLossPct float64) []Fill {
	if p.Done() {
		return nil
	}
	g := p.Gain(price)
	if stopLossPct > 0 && g <= -stopLossPct/100 {
		return []Fill{p.fill(p.Remaining, price, "stop_loss")}
	}
	var fills []Fill
	for i, t := range p.ladder {
		if p.hit[i] || g < t.Threshold {
			continue
		}
		p.hit[i] = true
		qty := CalcCloseAmount(p.Remaining, p.Initial, t.Fraction, true)
		if qty <= dust {
			continue
		}
		fills = append(fills, p.fill(qty, price, fmt.Sprintf("target_%d", i+1)))
		if p.Done() {
			break
		}
	}
	return fills
}

// Close exits whatever is left at price.
func (p *Position) Close(price float64, reason string) *Fill {
	if p.Done() {
		return nil
	}
	f := p.fill(p.Remaining, price, reason)
	return &f
}

func (p *Position) fill(qty, price float64, reason string) Fill {
	g := p.Gain(price)
	p.realized += qty * p.Entry * g
	p.Remaining = math.Max(0, p.Remaining-qty)
	return Fill{Qty: qty, Price: price, GainPct: g * 100, Reason: reason}
}

// RealizedPct is the realized profit relative to the initial notional.
func (p *Position) RealizedPct() float64 {
	notional := p.Entry * p.Initial
	if notional <= 0 {
		return 0
	}
	return p.realized / notional * 100
}

// CalcCloseAmount computes the close amount based on ratio and position data.
// If isInitialRatio is true, the calculation uses initialAmount as the base.
// The result is capped at the current position amount.
func CalcCloseAmount(currentAmount, initialAmount, ratio float64, isInitialRatio bool) float64 {
	if currentAmount <= 0 || ratio <= 0 {
		return 0
	}
	base := currentAmount
	if isInitialRatio && initialAmount > 0 {
		base = initialAmount
	}
	amount := base * ratio
	if amount > currentAmount {
		amount = currentAmount
	}
	return amount
}
