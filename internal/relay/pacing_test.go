package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dvcrn/ragflow-relay/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestPacerDelayTiers(t *testing.T) {
	p := NewPacer(true, config.DefaultPacingTiers())

	tests := []struct {
		name string
		text string
		want time.Duration
	}{
		{"empty", "", 0},
		{"short", "hi", 700 * time.Millisecond},
		{"twenty", strings.Repeat("a", 20), 700 * time.Millisecond},
		{"twenty one", strings.Repeat("a", 21), 500 * time.Millisecond},
		{"fifty one", strings.Repeat("a", 51), 200 * time.Millisecond},
		{"long", strings.Repeat("a", 101), 100 * time.Millisecond},
		{"counts runes", strings.Repeat("你", 21), 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.text))
		})
	}
}

func TestPacerUnsortedTiers(t *testing.T) {
	p := NewPacer(true, []config.PacingTier{
		{MinLength: 0, Delay: 3 * time.Millisecond},
		{MinLength: 10, Delay: 1 * time.Millisecond},
	})
	assert.Equal(t, time.Millisecond, p.Delay(strings.Repeat("a", 11)))
	assert.Equal(t, 3*time.Millisecond, p.Delay("a"))
}

func TestPacerDisabled(t *testing.T) {
	p := NewPacer(false, config.DefaultPacingTiers())
	assert.Zero(t, p.Delay("hi"))

	var nilPacer *Pacer
	assert.Zero(t, nilPacer.Delay("hi"))
	assert.NoError(t, nilPacer.Pace(context.Background(), Event{Kind: EventDelta, Text: "hi"}))
}

func TestPaceOnlyDelaysDeltas(t *testing.T) {
	p := NewPacer(true, []config.PacingTier{{MinLength: 0, Delay: time.Hour}})
	for _, k := range []EventKind{EventInit, EventFinished, EventError} {
		assert.NoError(t, p.Pace(context.Background(), Event{Kind: k, Text: "x"}))
	}
}

func TestPaceStopsOnCancel(t *testing.T) {
	p := NewPacer(true, []config.PacingTier{{MinLength: 0, Delay: time.Hour}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Pace(ctx, Event{Kind: EventDelta, Text: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
