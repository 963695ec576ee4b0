// Package activation runs the challenge/response exchange that binds the device to a cloud
// account and yields a bearer token.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/logging"
	"github.com/rbright/vesper/internal/provision"
)

type State string

const (
	StateIdle                         State = "idle"
	StateFetchingChallenge            State = "fetching_challenge"
	StateAwaitingOperatorConfirmation State = "awaiting_operator_confirmation"
	StatePolling                      State = "polling"
	StateActivated                    State = "activated"
	StateFailed                       State = "failed"
	StateCancelled                    State = "cancelled"
	StateTimedOut                     State = "timed_out"
)

var (
	ErrActivationTimedOut = errors.New("activation timed out waiting for operator confirmation")
	ErrCancelled          = errors.New("activation cancelled")
	ErrInProgress         = errors.New("activation already in progress")

	errPending = errors.New("activation pending")
)

// ActivationFailed is a precondition failure; it is not retried automatically.
type ActivationFailed struct {
	Reason string
	Err    error
}

func (e *ActivationFailed) Error() string {
	if e.Err == nil {
		return "activation failed: " + e.Reason
	}
	return fmt.Sprintf("activation failed: %s: %v", e.Reason, e.Err)
}

func (e *ActivationFailed) Unwrap() error {
	return e.Err
}

// Provisioner is the cloud side of activation.
type Provisioner interface {
	Provision(ctx context.Context, id identity.DeviceIdentity) (provision.Provisioning, error)
	Activate(ctx context.Context, id identity.DeviceIdentity, challenge, signature string) (provision.Result, error)
}

// Options bounds the polling loop.
type Options struct {
	MaxAttempts  int
	PollInterval time.Duration
}

// Machine runs at most one activation attempt at a time.
type Machine struct {
	ids    *identity.Store
	prov   Provisioner
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	running atomic.Bool

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []Listener
}

// New builds a Machine. Zero options fall back to 60 attempts every 5s.
func New(ids *identity.Store, prov Provisioner, opts Options, logger *slog.Logger) *Machine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Machine{
		ids:    ids,
		prov:   prov,
		opts:   opts,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
		state:  StateIdle,
		done:   closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Subscribe registers a listener for every future attempt.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed when the latest attempt finishes. With no attempt started it is already closed.
func (m *Machine) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Running reports whether an attempt is in flight.
func (m *Machine) Running() bool {
	return m.running.Load()
}

// Start launches an attempt in the background. It returns false, without queueing, when
// one is already running.
func (m *Machine) Start(ctx context.Context, l Listener) bool {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Info("activation start ignored; attempt already running")
		return false
	}
	runCtx := m.arm(ctx)
	go func() {
		_ = m.run(runCtx, l)
	}()
	return true
}

// Run performs one attempt in the caller's goroutine.
func (m *Machine) Run(ctx context.Context, l Listener) error {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Info("activation run ignored; attempt already running")
		return ErrInProgress
	}
	return m.run(m.arm(ctx), l)
}

// arm publishes the cancel func before the attempt goroutine starts.
func (m *Machine) arm(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = make(chan struct{})
	m.cancel = cancel
	return runCtx
}

// Cancel stops the running attempt at its next wait boundary. Credentials are untouched.
func (m *Machine) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// run owns the running flag and the cancel func set up by arm.
func (m *Machine) run(runCtx context.Context, l Listener) error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	notify := multiListener(append(append([]Listener(nil), m.listeners...), l))
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		cancel()
		m.running.Store(false)
		close(done)
	}()
	if runCtx.Err() != nil {
		return m.cancelled(notify)
	}

	creds, err := m.ids.Credentials(runCtx)
	if err != nil {
		return m.fail(notify, &ActivationFailed{Reason: "read credentials", Err: err})
	}
	if creds.Usable(m.now()) {
		m.setState(StateActivated)
		m.logger.Debug("activation skipped; credentials usable")
		notify.Activated(creds)
		return nil
	}

	id, err := m.ids.EnsureIdentity(runCtx)
	if err != nil {
		return m.fail(notify, &ActivationFailed{Reason: "device identity", Err: err})
	}

	m.setState(StateFetchingChallenge)
	prov, err := m.prov.Provision(runCtx, id)
	if err != nil {
		if runCtx.Err() != nil {
			return m.cancelled(notify)
		}
		return m.fail(notify, &ActivationFailed{Reason: "fetch challenge", Err: err})
	}

	if prov.Websocket != nil {
		if _, err := m.ids.UpdateCredentials(runCtx, func(c *identity.Credentials) error {
			c.WebsocketURL = prov.Websocket.URL
			return nil
		}); err != nil {
			m.logger.Warn("persist websocket endpoint failed", "error", err.Error())
		}
	}

	if prov.Activation == nil {
		if prov.Websocket != nil && prov.Websocket.Token != "" {
			m.logger.Info("server reports device already activated")
			return m.succeed(runCtx, notify, prov.Websocket.Token, 0, identity.TokenSourceProvisioning)
		}
		return m.fail(notify, &ActivationFailed{Reason: "no activation challenge issued"})
	}

	if runCtx.Err() != nil {
		return m.cancelled(notify)
	}
	challenge := *prov.Activation
	m.setState(StateAwaitingOperatorConfirmation)
	m.logger.Info("activation code issued", "code", challenge.Code, "portal", challenge.URL)
	notify.VerificationCode(challenge)

	m.setState(StatePolling)
	result, err := m.poll(runCtx, notify, id, challenge)
	switch {
	case err == nil:
		return m.succeed(runCtx, notify, result.AccessToken, result.ExpiresIn, identity.TokenSourceServer)
	case runCtx.Err() != nil:
		return m.cancelled(notify)
	case errors.Is(err, ErrActivationTimedOut):
		m.setState(StateTimedOut)
		m.logger.Error("activation timed out", "challenge_timeout", challenge.Timeout.String())
		notify.Failed(err)
		return err
	default:
		return m.fail(notify, &ActivationFailed{Reason: "poll", Err: err})
	}
}

// poll submits the signed challenge until success, a non-transient error, or the budget runs out.
func (m *Machine) poll(ctx context.Context, notify Listener, id identity.DeviceIdentity, challenge provision.Challenge) (provision.Result, error) {
	attempts := m.budget(challenge)
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(m.opts.PollInterval))

	var (
		attempt int
		result  provision.Result
		fatal   error
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		notify.Progress(attempt, attempts)

		signature, err := m.ids.Sign(ctx, []byte(challenge.Challenge))
		if err != nil {
			fatal = err
			return err
		}

		res, err := m.prov.Activate(ctx, id, challenge.Challenge, signature)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("activation poll failed", "attempt", attempt, "error", err.Error())
			return retry.RetryableError(err)
		}

		switch res.Outcome {
		case provision.OutcomeSuccess:
			result = res
			return nil
		case provision.OutcomePending:
			m.logger.Debug("activation pending", "attempt", attempt, "max", attempts)
			return retry.RetryableError(errPending)
		default:
			m.logger.Warn("activation poll rejected",
				"attempt", attempt,
				"status", res.StatusCode,
				"error", res.Error,
			)
			return retry.RetryableError(fmt.Errorf("HTTP %d: %s", res.StatusCode, res.Error))
		}
	})
	switch {
	case err == nil:
		return result, nil
	case fatal != nil || ctx.Err() != nil:
		return provision.Result{}, err
	default:
		return provision.Result{}, ErrActivationTimedOut
	}
}

// budget caps MaxAttempts by the challenge's own timeout.
func (m *Machine) budget(challenge provision.Challenge) int {
	attempts := m.opts.MaxAttempts
	if challenge.Timeout > 0 {
		byTimeout := int((challenge.Timeout + m.opts.PollInterval - 1) / m.opts.PollInterval)
		if byTimeout < 1 {
			byTimeout = 1
		}
		if byTimeout < attempts {
			attempts = byTimeout
		}
	}
	return attempts
}

// succeed persists the token. It runs detached from cancellation: once the server has
// confirmed activation the token must be kept, or the next attempt would activate twice.
func (m *Machine) succeed(ctx context.Context, notify Listener, token string, expiresIn time.Duration, source identity.TokenSource) error {
	persistCtx := context.WithoutCancel(ctx)
	now := m.now()

	if token == "" {
		derived, err := m.ids.DeriveFallbackToken(persistCtx, now)
		if err != nil {
			return m.fail(notify, &ActivationFailed{Reason: "derive fallback token", Err: err})
		}
		token = derived
		source = identity.TokenSourceDerived
	}

	var expiry time.Time
	if exp, ok := identity.TokenExpiry(token); ok {
		expiry = exp
	} else if expiresIn > 0 {
		expiry = now.Add(expiresIn)
	}

	creds, err := m.ids.UpdateCredentials(persistCtx, func(c *identity.Credentials) error {
		c.Activated = true
		c.BearerToken = token
		c.TokenIssuedAt = now
		c.TokenExpiry = expiry
		c.TokenSource = source
		return nil
	})
	if err != nil {
		return m.fail(notify, &ActivationFailed{Reason: "persist credentials", Err: err})
	}

	m.setState(StateActivated)
	m.logger.Info("device activated", "token_source", string(source), "token_expiry", creds.TokenExpiry)
	notify.Activated(creds)
	return nil
}

func (m *Machine) fail(notify Listener, err error) error {
	m.setState(StateFailed)
	m.logger.Error("activation failed", "error", err.Error())
	notify.Failed(err)
	return err
}

func (m *Machine) cancelled(notify Listener) error {
	m.setState(StateCancelled)
	m.logger.Info("activation cancelled")
	notify.Failed(ErrCancelled)
	return ErrCancelled
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}
