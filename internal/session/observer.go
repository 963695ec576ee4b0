package session

import "github.com/rbright/vesper/internal/fsm"

// Observer receives session events.
type Observer interface {
	SessionStateChanged(from, to fsm.State)
	SessionReady()
	SessionError(err error)
	SessionMessage(msg Inbound)
}

// Callbacks adapts optional functions to Observer.
type Callbacks struct {
	OnStateChanged func(from, to fsm.State)
	OnReady        func()
	OnError        func(error)
	OnMessage      func(Inbound)
}

func (c Callbacks) SessionStateChanged(from, to fsm.State) {
	if c.OnStateChanged != nil {
		c.OnStateChanged(from, to)
	}
}

func (c Callbacks) SessionReady() {
	if c.OnReady != nil {
		c.OnReady()
	}
}

func (c Callbacks) SessionError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) SessionMessage(msg Inbound) {
	if c.OnMessage != nil {
		c.OnMessage(msg)
	}
}

func (m *Manager) snapshotObservers() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Observer(nil), m.observers...)
}

func (m *Manager) notifyState(from, to fsm.State) {
	if from == to {
		return
	}
	for _, o := range m.snapshotObservers() {
		o.SessionStateChanged(from, to)
	}
}

func (m *Manager) notifyReady() {
	for _, o := range m.snapshotObservers() {
		o.SessionReady()
	}
}

func (m *Manager) notifyError(err error) {
	for _, o := range m.snapshotObservers() {
		o.SessionError(err)
	}
}

func (m *Manager) notifyMessage(msg Inbound) {
	for _, o := range m.snapshotObservers() {
		o.SessionMessage(msg)
	}
}
