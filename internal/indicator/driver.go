package indicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"edge-agent/internal/sysexec"
)

// ErrHardwareUnavailable is returned when the GPIO tooling cannot be
// reached. The driver degrades to a no-op instead of crashing.
var ErrHardwareUnavailable = errors.New("GPIO hardware unavailable")

// Config holds the GPIO wiring of the status LED, buzzer and button.
type Config struct {
	Chip       string
	RedLine    int
	GreenLine  int
	BuzzerLine int
	ButtonLine int
}

// DefaultConfig wires the default board layout.
func DefaultConfig() Config {
	return Config{
		Chip:       "gpiochip0",
		RedLine:    23,
		GreenLine:  24,
		BuzzerLine: 4,
		ButtonLine: 5,
	}
}

// step is one timed output state within a pattern.
type step struct {
	red    bool
	green  bool
	buzzer bool
	d      time.Duration
}

// pattern is a named sequence of steps, optionally looping.
type pattern struct {
	steps []step
	loop  bool
}

// Ambient and transient indicator patterns. Ambient patterns loop until
// replaced; transient patterns play once.
var patterns = map[string]pattern{
	"starting": {loop: true, steps: []step{
		{green: true, d: 100 * time.Millisecond},
		{d: 900 * time.Millisecond},
	}},
	"connecting": {loop: true, steps: []step{
		{green: true, d: 200 * time.Millisecond},
		{d: 200 * time.Millisecond},
	}},
	"connected": {loop: true, steps: []step{
		{green: true, d: time.Minute},
	}},
	"disconnected": {loop: true, steps: []step{
		{red: true, d: 500 * time.Millisecond},
		{d: 500 * time.Millisecond},
	}},
	"provisioning": {loop: true, steps: []step{
		{green: true, d: 250 * time.Millisecond},
		{red: true, d: 250 * time.Millisecond},
	}},
	"updating": {loop: true, steps: []step{
		{green: true, d: 100 * time.Millisecond},
		{d: 100 * time.Millisecond},
		{green: true, d: 100 * time.Millisecond},
		{d: 700 * time.Millisecond},
	}},
	"restarting": {loop: true, steps: []step{
		{red: true, d: 150 * time.Millisecond},
		{green: true, d: 150 * time.Millisecond},
	}},
	"error": {loop: true, steps: []step{
		{red: true, d: 150 * time.Millisecond},
		{d: 150 * time.Millisecond},
	}},

	// Transients.
	"identify": {steps: []step{
		{buzzer: true, d: 500 * time.Millisecond},
		{red: true, d: 200 * time.Millisecond},
		{green: true, d: 200 * time.Millisecond},
		{red: true, green: true, d: 200 * time.Millisecond},
	}},
	"beep": {steps: []step{
		{buzzer: true, d: 100 * time.Millisecond},
	}},
}

// Driver drives the two-color LED and the buzzer through gpioset.
// A single goroutine plays the active pattern; SetPattern and
// PlayInterrupt replace it atomically.
type Driver struct {
	cfg    Config
	runner sysexec.Runner
	logger *slog.Logger

	available bool

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDriver probes the GPIO tooling once. When the probe fails the
// driver is created anyway and every subsequent call fails silently.
func NewDriver(cfg Config, runner sysexec.Runner, logger *slog.Logger) *Driver {
	d := &Driver{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "indicator"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := runner.Run(ctx, "gpiodetect"); err != nil {
		d.logger.Warn("GPIO subsystem unavailable, indicators disabled", "err", err)
	} else {
		d.available = true
	}
	return d
}

// Available reports whether the GPIO hardware responded at startup.
func (d *Driver) Available() bool { return d.available }

// SetPattern replaces the ambient pattern. Unknown names are ignored.
func (d *Driver) SetPattern(name string) {
	d.startPattern(name)
}

// PlayInterrupt plays a transient pattern. The caller is responsible
// for restoring the ambient pattern afterwards.
func (d *Driver) PlayInterrupt(name string) {
	d.startPattern(name)
}

func (d *Driver) startPattern(name string) {
	p, ok := patterns[name]
	if !ok {
		d.logger.Warn("unknown indicator pattern", "name", name)
		return
	}

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.current = name
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.play(ctx, p)
	}()
}

// Current returns the name of the active pattern.
func (d *Driver) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Stop turns everything off and stops the pattern goroutine.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.current = ""
	d.mu.Unlock()
	d.wg.Wait()
	d.apply(context.Background(), step{})
}

func (d *Driver) play(ctx context.Context, p pattern) {
	for {
		for _, s := range p.steps {
			if ctx.Err() != nil {
				return
			}
			d.apply(ctx, s)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.d):
			}
		}
		if !p.loop {
			// Transient done, outputs off.
			d.apply(ctx, step{})
			return
		}
	}
}

// apply writes all three output lines. Hardware failures after the
// startup probe are silent.
func (d *Driver) apply(ctx context.Context, s step) {
	if !d.available {
		return
	}
	d.setLine(ctx, d.cfg.RedLine, s.red)
	d.setLine(ctx, d.cfg.GreenLine, s.green)
	d.setLine(ctx, d.cfg.BuzzerLine, s.buzzer)
}

func (d *Driver) setLine(ctx context.Context, line int, on bool) {
	v := "0"
	if on {
		v = "1"
	}
	arg := fmt.Sprintf("%d=%s", line, v)
	if _, err := d.runner.Run(ctx, "gpioset", d.cfg.Chip, arg); err != nil {
		d.logger.Debug("gpioset failed", "line", strconv.Itoa(line), "err", err)
	}
}
