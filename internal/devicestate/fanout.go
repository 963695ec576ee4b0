package devicestate

import (
	"fmt"
	"log/slog"
	"sync"
)

// event is either a state transition (from/to set) or a mode change (mode set).
type event struct {
	from State
	to   State
	mode ListeningMode
}

// subscriber delivers events to one observer in order on its own goroutine. The queue is
// unbounded so producers never block or drop.
type subscriber struct {
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	pending []event

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscriber(o Observer, logger *slog.Logger) *subscriber {
	return &subscriber{
		observer: o,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *subscriber) push(e event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.quit:
			s.drain()
			return
		}
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			s.deliver(e)
		}
	}
}

func (s *subscriber) deliver(e event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("device state observer panicked", "panic", fmt.Sprint(r))
		}
	}()

	if e.mode != "" {
		if mo, ok := s.observer.(ModeObserver); ok {
			mo.ListeningModeChanged(e.mode)
		}
		return
	}
	s.observer.StateChanged(e.from, e.to)
}
