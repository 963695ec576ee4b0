// Package fsm holds the session lifecycle transition table.
package fsm

import "fmt"

type State string

type Event string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateAwaitingHandshake State = "awaiting_handshake"
	StateReady             State = "ready"
	StateClosing           State = "closing"
)

const (
	EventConnect   Event = "connect"
	EventOpened    Event = "opened"
	EventHandshake Event = "handshake"
	EventClose     Event = "close"
	EventClosed    Event = "closed"

	// EventRetry is a dropped connection with another attempt scheduled.
	EventRetry Event = "retry"
	// EventFail is a dropped connection with no further attempt.
	EventFail Event = "fail"
)

func Transition(current State, event Event) (State, error) {
	switch current {
	case StateDisconnected:
		switch event {
		case EventConnect:
			return StateConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnecting:
		switch event {
		case EventOpened:
			return StateAwaitingHandshake, nil
		case EventRetry:
			return StateConnecting, nil
		case EventFail:
			return StateDisconnected, nil
		case EventClose:
			return StateClosing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateAwaitingHandshake:
		switch event {
		case EventHandshake:
			return StateReady, nil
		case EventRetry:
			return StateConnecting, nil
		case EventFail:
			return StateDisconnected, nil
		case EventClose:
			return StateClosing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateReady:
		switch event {
		case EventRetry:
			return StateConnecting, nil
		case EventFail:
			return StateDisconnected, nil
		case EventClose:
			return StateClosing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateClosing:
		switch event {
		case EventClosed:
			return StateDisconnected, nil
		case EventClose, EventRetry, EventFail:
			return StateClosing, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
