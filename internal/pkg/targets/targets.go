// Package targets encodes the take-profit ladder handed to a worker: a list of
// (threshold, fraction) pairs where threshold is the gain over entry price
// (0.02 = +2%) and fraction the share of the initial position sold there.
package targets

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

type Target struct {
	Threshold float64 `json:"threshold"`
	Fraction  float64 `json:"fraction"`
}

// Parse accepts either [[0.01,0.5],[0.02,0.5]] or
// [{"threshold":0.01,"fraction":0.5}, ...] and returns the ladder sorted by
// threshold.
func Parse(raw string) ([]Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("targets: invalid JSON")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("targets: expected an array")
	}
	var (
		out     []Target
		itemErr error
	)
	parsed.ForEach(func(_, item gjson.Result) bool {
		var t Target
		switch {
		case item.IsArray():
			pair := item.Array()
			if len(pair) != 2 {
				itemErr = fmt.Errorf("targets: pair %s must have 2 elements", item.Raw)
				return false
			}
			t = Target{Threshold: pair[0].Float(), Fraction: pair[1].Float()}
		case item.IsObject():
			t = Target{Threshold: item.Get("threshold").Float(), Fraction: item.Get("fraction").Float()}
		default:
			itemErr = fmt.Errorf("targets: unsupported element %s", item.Raw)
			return false
		}
		out = append(out, t)
		return true
	})
	if itemErr != nil {
		return nil, itemErr
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	return out, nil
}

// Validate checks thresholds are positive and fractions sum to at most 1.
func Validate(ts []Target) error {
	sum := 0.0
	for i, t := range ts {
		if t.Threshold <= 0 {
			return fmt.Errorf("targets[%d]: threshold must be > 0", i)
		}
		if t.Fraction <= 0 || t.Fraction > 1 {
			return fmt.Errorf("targets[%d]: fraction must be within (0,1]", i)
		}
		sum += t.Fraction
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("targets: fractions sum to %.4f (> 1)", sum)
	}
	return nil
}

// Format renders the compact pair form used on the worker command line.
func Format(ts []Target) string {
	pairs := make([][2]float64, 0, len(ts))
	for _, t := range ts {
		pairs = append(pairs, [2]float64{t.Threshold, t.Fraction})
	}
	b, _ := json.Marshal(pairs)
	return string(b)
}
