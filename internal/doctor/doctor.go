// Package doctor runs readiness diagnostics for config, persisted identity, audio capture,
// and the provisioning service.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/vesper/internal/audio"
	"github.com/rbright/vesper/internal/config"
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/store"
)

const probeTimeout = 2 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes every check for a loaded config. It never creates an identity.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{{
		Name:    "config",
		Pass:    true,
		Message: fmt.Sprintf("loaded %q", cfg.Path),
	}}

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "control socket directory available", "XDG_RUNTIME_DIR is empty"))

	checks = append(checks, checkState(ctx, cfg.Config)...)

	if cfg.Config.Indicator.Enable && cfg.Config.Indicator.DesktopNotify {
		checks = append(checks, checkBinary("busctl", "desktop notifications"))
	}

	checks = append(checks, checkAudioSelection(ctx, cfg.Config))
	checks = append(checks, checkProvisioning(ctx, cfg.Config.Server.ProvisionURL))

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkState opens the configured store and reports on identity and credentials.
func checkState(ctx context.Context, cfg config.Config) []Check {
	path, err := config.StorePath(cfg.Store)
	if err != nil {
		return []Check{{Name: "store", Pass: false, Message: err.Error()}}
	}
	backend, err := store.Open(store.Kind(cfg.Store.Backend), path)
	if err != nil {
		return []Check{{Name: "store", Pass: false, Message: err.Error()}}
	}
	defer backend.Close()

	if _, err := backend.Load(ctx); err != nil {
		return []Check{{Name: "store", Pass: false, Message: fmt.Sprintf("read %s: %v", path, err)}}
	}
	checks := []Check{{Name: "store", Pass: true, Message: fmt.Sprintf("%s backend at %s", backendName(cfg.Store.Backend), path)}}

	ids := identity.New(backend, nil)
	return append(checks, checkIdentity(ctx, ids, time.Now())...)
}

func backendName(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return string(store.KindFile)
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func checkIdentity(ctx context.Context, ids *identity.Store, now time.Time) []Check {
	id, err := ids.Identity(ctx)
	if err != nil {
		return []Check{{Name: "identity", Pass: false, Message: fmt.Sprintf("%v (run `vesper activate`)", err)}}
	}
	checks := []Check{{
		Name:    "identity",
		Pass:    true,
		Message: fmt.Sprintf("device %s serial %s", id.DeviceID(), id.SerialNumber),
	}}

	creds, err := ids.Credentials(ctx)
	switch {
	case err != nil:
		checks = append(checks, Check{Name: "credentials", Pass: false, Message: err.Error()})
	case !creds.Activated:
		checks = append(checks, Check{Name: "credentials", Pass: false, Message: "device not activated (run `vesper activate`)"})
	case creds.Expired(now):
		checks = append(checks, Check{Name: "credentials", Pass: false, Message: "token expired " + creds.TokenExpiry.Format(time.RFC3339)})
	case !creds.Usable(now):
		checks = append(checks, Check{Name: "credentials", Pass: false, Message: "no bearer token stored"})
	default:
		checks = append(checks, Check{Name: "credentials", Pass: true, Message: creds.String()})
	}
	return checks
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.Config) Check {
	selection, err := audio.SelectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

// checkProvisioning treats any non-5xx answer as reachable; the endpoint expects POST.
func checkProvisioning(ctx context.Context, rawURL string) Check {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Check{Name: "provision.reachable", Pass: false, Message: "server.provision_url is empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Check{Name: "provision.reachable", Pass: false, Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Check{Name: "provision.reachable", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Check{Name: "provision.reachable", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, rawURL)}
	}
	return Check{Name: "provision.reachable", Pass: true, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, rawURL)}
}
