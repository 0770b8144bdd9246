package peripheral

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultSysfsRoot is the legacy sysfs GPIO class directory.
const DefaultSysfsRoot = "/sys/class/gpio"

const (
	defaultPollInterval = 10 * time.Millisecond
	defaultDebounce     = 30 * time.Millisecond
	exportSettle        = 100 * time.Millisecond
)

// pin is one exported sysfs GPIO line.
type pin struct {
	root   string
	number int
}

func (p pin) dir() string { return filepath.Join(p.root, "gpio"+strconv.Itoa(p.number)) }

// export makes the pin available and sets its direction. Exporting an
// already exported pin is not an error.
func (p pin) export(direction string) error {
	if _, err := os.Stat(p.dir()); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(p.root, "export"), []byte(strconv.Itoa(p.number)), 0o200); err != nil {
			return fmt.Errorf("export gpio %d: %w", p.number, err)
		}
		// udev needs a moment to fix up permissions on the new files.
		time.Sleep(exportSettle)
	}
	if err := os.WriteFile(filepath.Join(p.dir(), "direction"), []byte(direction), 0o644); err != nil {
		return fmt.Errorf("set gpio %d direction: %w", p.number, err)
	}
	return nil
}

func (p pin) unexport() error {
	return os.WriteFile(filepath.Join(p.root, "unexport"), []byte(strconv.Itoa(p.number)), 0o200)
}

func (p pin) read() (bool, error) {
	b, err := os.ReadFile(filepath.Join(p.dir(), "value"))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(b)) == "1", nil
}

func (p pin) write(high bool) error {
	v := "0"
	if high {
		v = "1"
	}
	return os.WriteFile(filepath.Join(p.dir(), "value"), []byte(v), 0o644)
}

// GPIOOption configures an [LED] or a [Button].
type GPIOOption func(*gpioConfig)

type gpioConfig struct {
	root      string
	activeLow bool
	poll      time.Duration
	debounce  time.Duration
}

// WithSysfsRoot overrides the sysfs GPIO directory. Used by tests.
func WithSysfsRoot(root string) GPIOOption {
	return func(c *gpioConfig) { c.root = root }
}

// WithActiveLow inverts the logic level: on/pressed is a low line.
func WithActiveLow(v bool) GPIOOption {
	return func(c *gpioConfig) { c.activeLow = v }
}

// WithPollInterval sets how often a button is sampled.
func WithPollInterval(d time.Duration) GPIOOption {
	return func(c *gpioConfig) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithDebounce sets how long a button level must be stable to count.
func WithDebounce(d time.Duration) GPIOOption {
	return func(c *gpioConfig) { c.debounce = max(d, 0) }
}

func newGPIOConfig(opts []GPIOOption) gpioConfig {
	c := gpioConfig{root: DefaultSysfsRoot, poll: defaultPollInterval, debounce: defaultDebounce}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// LED drives a GPIO output. It implements readiness.Indicator.
type LED struct {
	pin       pin
	activeLow bool

	mu sync.Mutex
}

// NewLED exports line as an output and switches it off.
func NewLED(line int, opts ...GPIOOption) (*LED, error) {
	cfg := newGPIOConfig(opts)
	l := &LED{pin: pin{root: cfg.root, number: line}, activeLow: cfg.activeLow}
	if err := l.pin.export("out"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndicator, err)
	}
	if err := l.SetIndicator(false); err != nil {
		return nil, err
	}
	return l, nil
}

// SetIndicator switches the LED on or off.
func (l *LED) SetIndicator(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pin.write(on != l.activeLow); err != nil {
		return fmt.Errorf("%w: gpio %d: %w", ErrIndicator, l.pin.number, err)
	}
	return nil
}

// Close switches the LED off and unexports the line.
func (l *LED) Close() error {
	err := l.SetIndicator(false)
	if uerr := l.pin.unexport(); uerr != nil {
		err = errors.Join(err, fmt.Errorf("unexport gpio %d: %w", l.pin.number, uerr))
	}
	return err
}

// Button watches a GPIO input and fires a trigger on each debounced press.
type Button struct {
	pin pin
	cfg gpioConfig
	t   Triggerer
}

// NewButton exports line as an input.
func NewButton(line int, t Triggerer, opts ...GPIOOption) (*Button, error) {
	cfg := newGPIOConfig(opts)
	b := &Button{pin: pin{root: cfg.root, number: line}, cfg: cfg, t: t}
	if err := b.pin.export("in"); err != nil {
		return nil, fmt.Errorf("peripheral: button: %w", err)
	}
	return b, nil
}

// Run samples the button until ctx is cancelled. A press is a debounced
// transition from released to pressed. Read errors are logged once per streak
// and polling continues.
func (b *Button) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.poll)
	defer ticker.Stop()

	var (
		stable    bool // debounced level, true = pressed
		candidate bool
		since     time.Time
		failing   bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			level, err := b.pin.read()
			if err != nil {
				if !failing {
					slog.Warn("peripheral: button read failed", "gpio", b.pin.number, "err", err)
					failing = true
				}
				continue
			}
			failing = false
			pressed := level != b.cfg.activeLow

			if pressed != candidate {
				candidate = pressed
				since = now
			}
			if candidate == stable || now.Sub(since) < b.cfg.debounce {
				continue
			}
			stable = candidate
			if stable {
				fire(b.t, "button")
			}
		}
	}
}

// Close unexports the line.
func (b *Button) Close() error {
	return b.pin.unexport()
}
