package indicator

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"edge-agent/internal/state"
	"edge-agent/internal/sysexec"
)

// Press classifications by hold duration.
const (
	PressClick    = "click"     // < 2.5s
	PressHold     = "hold"      // 2.5s - 5s
	PressLongHold = "long-hold" // > 5s
)

const (
	holdThreshold     = 2500 * time.Millisecond
	longHoldThreshold = 5 * time.Second
)

// ButtonPoller polls the physical button at a bounded interval and
// emits duration-classified press events on the event bus.
type ButtonPoller struct {
	cfg      Config
	runner   sysexec.Runner
	bus      *state.EventBus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewButtonPoller creates a button poller. It shares the driver's
// availability probe semantics: a missing GPIO subsystem yields a
// poller that never emits.
func NewButtonPoller(cfg Config, runner sysexec.Runner, bus *state.EventBus, logger *slog.Logger) *ButtonPoller {
	return &ButtonPoller{
		cfg:      cfg,
		runner:   runner,
		bus:      bus,
		logger:   logger.With("component", "button"),
		interval: 100 * time.Millisecond,
	}
}

// Start begins polling in a background goroutine.
func (p *ButtonPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop halts polling and waits for the loop to exit.
func (p *ButtonPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *ButtonPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var pressedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pressed, err := p.read(ctx)
		if err != nil {
			continue
		}

		switch {
		case pressed && pressedAt.IsZero():
			pressedAt = time.Now()
		case !pressed && !pressedAt.IsZero():
			duration := time.Since(pressedAt)
			pressedAt = time.Time{}
			p.emit(duration)
		}
	}
}

func (p *ButtonPoller) emit(duration time.Duration) {
	kind := Classify(duration)
	p.logger.Debug("button press", "kind", kind, "duration", duration)
	p.bus.Emit(state.Event{Type: state.EventButton, Data: map[string]interface{}{
		"kind":       kind,
		"durationMs": duration.Milliseconds(),
	}})
}

// Classify maps a press duration to its press kind.
func Classify(duration time.Duration) string {
	switch {
	case duration >= longHoldThreshold:
		return PressLongHold
	case duration >= holdThreshold:
		return PressHold
	default:
		return PressClick
	}
}

// read samples the button line. The button is wired active-low.
func (p *ButtonPoller) read(ctx context.Context) (bool, error) {
	out, err := p.runner.Run(ctx, "gpioget", p.cfg.Chip, strconv.Itoa(p.cfg.ButtonLine))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "0", nil
}
