package relay

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/dvcrn/ragflow-relay/internal/config"
)

// Pacer delays delta emission by a tier chosen from the delta's length: the longer the
// text, the shorter the pause.
type Pacer struct {
	enabled bool
	tiers   []config.PacingTier
}

// NewPacer builds a pacer. A delta uses the first tier whose MinLength it exceeds.
func NewPacer(enabled bool, tiers []config.PacingTier) *Pacer {
	sorted := append([]config.PacingTier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinLength > sorted[j].MinLength
	})
	return &Pacer{enabled: enabled, tiers: sorted}
}

// Delay returns the pause for a delta of text. Empty text never waits.
func (p *Pacer) Delay(text string) time.Duration {
	if p == nil || !p.enabled {
		return 0
	}
	n := utf8.RuneCountInString(text)
	for _, t := range p.tiers {
		if n > t.MinLength {
			return t.Delay
		}
	}
	return 0
}

// Pace waits before a delta is emitted. Other events pass immediately.
// It returns ctx.Err() if ctx ends first.
func (p *Pacer) Pace(ctx context.Context, ev Event) error {
	if ev.Kind != EventDelta {
		return nil
	}
	d := p.Delay(ev.Text)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
