package activation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/provision"
	"github.com/rbright/vesper/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	mu           sync.Mutex
	provisioning provision.Provisioning
	provisionErr error
	results      []provision.Result
	calls        int
	signatures   []string
	block        chan struct{}
}

func (f *fakeProvisioner) Provision(context.Context, identity.DeviceIdentity) (provision.Provisioning, error) {
	return f.provisioning, f.provisionErr
}

func (f *fakeProvisioner) Activate(ctx context.Context, _ identity.DeviceIdentity, _ string, signature string) (provision.Result, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return provision.Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.signatures = append(f.signatures, signature)
	if len(f.results) == 0 {
		return provision.Result{Outcome: provision.OutcomePending, StatusCode: 202}, nil
	}
	next := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return next, nil
}

func (f *fakeProvisioner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu        sync.Mutex
	codes     []string
	progress  [][2]int
	activated []identity.Credentials
	failures  []error
}

func (r *recorder) VerificationCode(c provision.Challenge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, c.Code)
}

func (r *recorder) Progress(attempt, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int{attempt, total})
}

func (r *recorder) Activated(c identity.Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated = append(r.activated, c)
}

func (r *recorder) Failed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func challengeProvisioning() provision.Provisioning {
	return provision.Provisioning{
		Websocket: &provision.Websocket{URL: "wss://voice.example.test/v1"},
		Activation: &provision.Challenge{
			Challenge: "nonce-123",
			Code:      "482913",
			Message:   "Enter the code in the app",
			Timeout:   5 * time.Minute,
		},
	}
}

func newMachine(t *testing.T, prov Provisioner) (*Machine, *identity.Store) {
	t.Helper()
	ids := identity.New(store.NewMemory(), nil, identity.WithHardwareMAC("AA:BB:CC:DD:EE:FF"))
	return New(ids, prov, Options{MaxAttempts: 60, PollInterval: time.Millisecond}, nil), ids
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	return token
}

func TestRunPendingThenSuccess(t *testing.T) {
	exp := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	token := signedToken(t, exp)
	prov := &fakeProvisioner{
		provisioning: challengeProvisioning(),
		results: []provision.Result{
			{Outcome: provision.OutcomePending, StatusCode: 202},
			{Outcome: provision.OutcomePending, StatusCode: 202},
			{Outcome: provision.OutcomePending, StatusCode: 202},
			{Outcome: provision.OutcomeSuccess, StatusCode: 200, AccessToken: token},
		},
	}
	m, ids := newMachine(t, prov)
	rec := &recorder{}

	require.NoError(t, m.Run(context.Background(), rec))

	require.Equal(t, []string{"482913"}, rec.codes)
	require.Equal(t, 4, prov.Calls())
	require.Len(t, rec.progress, 4)
	require.Equal(t, [2]int{4, 60}, rec.progress[3])
	require.Len(t, rec.activated, 1)
	require.Empty(t, rec.failures)
	require.Equal(t, StateActivated, m.State())

	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.True(t, creds.Activated)
	require.Equal(t, token, creds.BearerToken)
	require.Equal(t, identity.TokenSourceServer, creds.TokenSource)
	require.True(t, creds.TokenExpiry.Equal(exp))
	require.Equal(t, "wss://voice.example.test/v1", creds.WebsocketURL)

	sig, err := ids.Sign(context.Background(), []byte("nonce-123"))
	require.NoError(t, err)
	for _, got := range prov.signatures {
		require.Equal(t, sig, got)
	}
}

func TestRunTimesOutWhenNeverConfirmed(t *testing.T) {
	prov := &fakeProvisioner{provisioning: challengeProvisioning()}
	ids := identity.New(store.NewMemory(), nil, identity.WithHardwareMAC("AA:BB:CC:DD:EE:FF"))
	m := New(ids, prov, Options{MaxAttempts: 5, PollInterval: time.Millisecond}, nil)
	rec := &recorder{}

	err := m.Run(context.Background(), rec)
	require.ErrorIs(t, err, ErrActivationTimedOut)
	require.Equal(t, 5, prov.Calls())
	require.Equal(t, StateTimedOut, m.State())
	require.Len(t, rec.failures, 1)
	require.Len(t, rec.codes, 1)

	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.False(t, creds.Activated)
	require.Empty(t, creds.BearerToken)
}

func TestRunRetriesRejectedPolls(t *testing.T) {
	prov := &fakeProvisioner{
		provisioning: challengeProvisioning(),
		results: []provision.Result{
			{Outcome: provision.OutcomeRejected, StatusCode: 500, Error: "upstream"},
			{Outcome: provision.OutcomeSuccess, StatusCode: 200, AccessToken: "opaque", ExpiresIn: time.Hour},
		},
	}
	m, ids := newMachine(t, prov)

	require.NoError(t, m.Run(context.Background(), nil))
	require.Equal(t, 2, prov.Calls())

	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "opaque", creds.BearerToken)
	require.False(t, creds.TokenExpiry.IsZero())
	require.WithinDuration(t, time.Now().Add(time.Hour), creds.TokenExpiry, time.Minute)
}

func TestRunDerivesTokenWhenServerOmitsOne(t *testing.T) {
	prov := &fakeProvisioner{
		provisioning: challengeProvisioning(),
		results:      []provision.Result{{Outcome: provision.OutcomeSuccess, StatusCode: 200}},
	}
	m, ids := newMachine(t, prov)

	require.NoError(t, m.Run(context.Background(), nil))

	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.True(t, creds.Activated)
	require.Equal(t, identity.TokenSourceDerived, creds.TokenSource)
	require.NotEmpty(t, creds.BearerToken)
	require.True(t, creds.TokenExpiry.IsZero())
}

func TestRunSkipsWhenCredentialsUsable(t *testing.T) {
	prov := &fakeProvisioner{provisioning: challengeProvisioning()}
	m, ids := newMachine(t, prov)
	require.NoError(t, ids.SetCredentials(context.Background(), identity.Credentials{
		Activated:   true,
		BearerToken: "still-good",
		TokenSource: identity.TokenSourceServer,
	}))
	rec := &recorder{}

	require.NoError(t, m.Run(context.Background(), rec))
	require.Zero(t, prov.Calls())
	require.Empty(t, rec.codes)
	require.Len(t, rec.activated, 1)
	require.Equal(t, "still-good", rec.activated[0].BearerToken)
}

func TestRunReactivatesExpiredToken(t *testing.T) {
	prov := &fakeProvisioner{
		provisioning: challengeProvisioning(),
		results:      []provision.Result{{Outcome: provision.OutcomeSuccess, StatusCode: 200, AccessToken: "fresh"}},
	}
	m, ids := newMachine(t, prov)
	require.NoError(t, ids.SetCredentials(context.Background(), identity.Credentials{
		Activated:   true,
		BearerToken: "stale",
		TokenExpiry: time.Now().Add(-time.Minute),
	}))

	require.NoError(t, m.Run(context.Background(), nil))
	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh", creds.BearerToken)
}

func TestRunUsesProvisioningTokenWhenAlreadyActivated(t *testing.T) {
	prov := &fakeProvisioner{
		provisioning: provision.Provisioning{
			Websocket: &provision.Websocket{URL: "wss://voice.example.test/v1", Token: "from-provisioning"},
		},
	}
	m, ids := newMachine(t, prov)
	rec := &recorder{}

	require.NoError(t, m.Run(context.Background(), rec))
	require.Empty(t, rec.codes)
	require.Zero(t, prov.Calls())

	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "from-provisioning", creds.BearerToken)
	require.Equal(t, identity.TokenSourceProvisioning, creds.TokenSource)
}

func TestRunFailsWithoutChallengeOrToken(t *testing.T) {
	m, ids := newMachine(t, &fakeProvisioner{})
	rec := &recorder{}

	err := m.Run(context.Background(), rec)
	var failed *ActivationFailed
	require.ErrorAs(t, err, &failed)
	require.Equal(t, StateFailed, m.State())
	require.Len(t, rec.failures, 1)

	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.False(t, creds.Activated)
}

func TestRunFailsWhenProvisioningUnreachable(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	m, _ := newMachine(t, &fakeProvisioner{provisionErr: boom})

	err := m.Run(context.Background(), nil)
	var failed *ActivationFailed
	require.ErrorAs(t, err, &failed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "fetch challenge", failed.Reason)
}

func TestBudgetCappedByChallengeTimeout(t *testing.T) {
	prov := &fakeProvisioner{provisioning: challengeProvisioning()}
	prov.provisioning.Activation.Timeout = 3 * time.Millisecond
	m, _ := newMachine(t, prov)

	err := m.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrActivationTimedOut)
	require.Equal(t, 3, prov.Calls())
}

func TestCancelStopsPollingWithoutCredentials(t *testing.T) {
	prov := &fakeProvisioner{provisioning: challengeProvisioning(), block: make(chan struct{})}
	m, ids := newMachine(t, prov)

	codeSeen := make(chan struct{})
	done := make(chan error, 1)
	require.True(t, m.Start(context.Background(), Callbacks{
		OnVerificationCode: func(provision.Challenge) { close(codeSeen) },
		OnFailed:           func(err error) { done <- err },
	}))

	<-codeSeen
	require.True(t, m.Cancel())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("activation did not stop after cancel")
	}
	require.Equal(t, StateCancelled, m.State())
	require.Eventually(t, func() bool { return !m.Running() }, time.Second, time.Millisecond)

	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.False(t, creds.Activated)
}

func TestCancelRightAfterStart(t *testing.T) {
	prov := &fakeProvisioner{provisioning: challengeProvisioning()}
	ids := identity.New(store.NewMemory(), nil, identity.WithHardwareMAC("AA:BB:CC:DD:EE:FF"))
	m := New(ids, prov, Options{MaxAttempts: 5, PollInterval: 20 * time.Millisecond}, nil)

	for i := 0; i < 20; i++ {
		rec := &recorder{}
		require.True(t, m.Start(context.Background(), rec))
		require.True(t, m.Cancel())

		select {
		case <-m.Done():
		case <-time.After(time.Second):
			t.Fatalf("attempt %d kept polling after cancel", i)
		}

		rec.mu.Lock()
		require.Len(t, rec.failures, 1)
		require.ErrorIs(t, rec.failures[0], ErrCancelled)
		rec.mu.Unlock()
		require.Equal(t, StateCancelled, m.State())
	}
	require.LessOrEqual(t, prov.Calls(), 20)

	creds, err := ids.Credentials(context.Background())
	require.NoError(t, err)
	require.False(t, creds.Activated)
}

func TestStartIsSingleFlight(t *testing.T) {
	prov := &fakeProvisioner{provisioning: challengeProvisioning(), block: make(chan struct{})}
	m, _ := newMachine(t, prov)

	rec := &recorder{}
	require.True(t, m.Start(context.Background(), rec))
	require.False(t, m.Start(context.Background(), rec))
	require.ErrorIs(t, m.Run(context.Background(), rec), ErrInProgress)

	prov.mu.Lock()
	prov.results = []provision.Result{{Outcome: provision.OutcomeSuccess, StatusCode: 200, AccessToken: "t"}}
	prov.mu.Unlock()
	close(prov.block)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("activation did not finish")
	}
	require.Equal(t, StateActivated, m.State())
	require.False(t, m.Running())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.codes, 1)
	require.Len(t, rec.activated, 1)
}

func TestDoneClosedBeforeFirstAttempt(t *testing.T) {
	m, _ := newMachine(t, &fakeProvisioner{})
	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed when idle")
	}
	require.Equal(t, StateIdle, m.State())
}

func TestSubscribedListenerSeesEveryAttempt(t *testing.T) {
	prov := &fakeProvisioner{
		provisioning: challengeProvisioning(),
		results:      []provision.Result{{Outcome: provision.OutcomeSuccess, StatusCode: 200, AccessToken: "t"}},
	}
	m, _ := newMachine(t, prov)
	sub := &recorder{}
	m.Subscribe(sub)

	require.NoError(t, m.Run(context.Background(), nil))
	require.Len(t, sub.activated, 1)
	require.Equal(t, []string{"482913"}, sub.codes)
}
