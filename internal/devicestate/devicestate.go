// Package devicestate holds the shared Idle/Listening/Speaking state and listening policy,
// and fans transitions out to observers without blocking the setter.
package devicestate

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rbright/vesper/internal/logging"
)

type State string

const (
	Idle      State = "idle"
	Listening State = "listening"
	Speaking  State = "speaking"
)

// ParseState validates a state name.
func ParseState(raw string) (State, error) {
	switch s := State(strings.ToLower(strings.TrimSpace(raw))); s {
	case Idle, Listening, Speaking:
		return s, nil
	default:
		return "", fmt.Errorf("unknown device state %q", raw)
	}
}

type ListeningMode string

const (
	ModeManual   ListeningMode = "manual"
	ModeAutoStop ListeningMode = "auto_stop"
	ModeRealtime ListeningMode = "realtime"
)

// ParseListeningMode maps a mode name to a ListeningMode. Unknown names yield auto_stop.
func ParseListeningMode(raw string) ListeningMode {
	switch m := ListeningMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeManual, ModeAutoStop, ModeRealtime:
		return m
	default:
		return ModeAutoStop
	}
}

// Valid reports whether m is one of the known modes.
func (m ListeningMode) Valid() bool {
	return m == ModeManual || m == ModeAutoStop || m == ModeRealtime
}

// Observer receives device state transitions.
type Observer interface {
	StateChanged(from, to State)
}

// ModeObserver receives listening mode changes. Observers passed to Subscribe that also
// implement ModeObserver get both kinds of notification in one ordered stream.
type ModeObserver interface {
	ListeningModeChanged(mode ListeningMode)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(from, to State)

func (f ObserverFunc) StateChanged(from, to State) { f(from, to) }

// Snapshot is a consistent read of coordinator state.
type Snapshot struct {
	State         State
	Mode          ListeningMode
	KeepListening bool
}

// Coordinator is the single shared device-state holder.
type Coordinator struct {
	logger *slog.Logger

	mu     sync.RWMutex
	state  State
	mode   ListeningMode
	keep   bool
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// New builds a coordinator in Idle with the given initial policy.
func New(logger *slog.Logger, mode ListeningMode, keepListening bool) *Coordinator {
	if !mode.Valid() {
		mode = ModeAutoStop
	}
	return &Coordinator{
		logger: logging.OrDiscard(logger),
		state:  Idle,
		mode:   mode,
		keep:   keepListening,
		subs:   make(map[int]*subscriber),
	}
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) ListeningMode() ListeningMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Coordinator) KeepListening() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keep
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{State: c.state, Mode: c.mode, KeepListening: c.keep}
}

// SetState swaps in next and notifies observers. It reports false when next equals the
// current state or is not a known state.
func (c *Coordinator) SetState(next State) bool {
	if _, err := ParseState(string(next)); err != nil {
		c.logger.Warn("ignored unknown device state", "state", string(next))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if next == c.state {
		return false
	}
	old := c.state
	c.state = next
	c.logger.Debug("device state changed", "from", string(old), "to", string(next))
	c.broadcastLocked(event{from: old, to: next})
	return true
}

// SetListeningMode changes the listening policy and notifies mode observers.
func (c *Coordinator) SetListeningMode(mode ListeningMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown listening mode %q", mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if mode == c.mode {
		return nil
	}
	c.logger.Info("listening mode changed", "from", string(c.mode), "to", string(mode))
	c.mode = mode
	c.broadcastLocked(event{mode: mode})
	return nil
}

// SetRealtime switches to realtime listening, or back to auto_stop when disabled.
func (c *Coordinator) SetRealtime(enabled bool) {
	mode := ModeAutoStop
	if enabled {
		mode = ModeRealtime
	}
	_ = c.SetListeningMode(mode)
}

func (c *Coordinator) SetKeepListening(keep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keep = keep
}

// Subscribe registers o and returns a function that removes it.
func (c *Coordinator) Subscribe(o Observer) func() {
	sub := newSubscriber(o, c.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	c.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			sub.stop()
		})
	}
}

// Close delivers pending notifications and stops every observer goroutine.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[int]*subscriber{}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (c *Coordinator) broadcastLocked(e event) {
	for _, sub := range c.subs {
		sub.push(e)
	}
}
