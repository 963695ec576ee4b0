// Package indicator turns device state changes into audio cues and shows the activation code
// as a desktop notification.
package indicator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/vesper/internal/config"
	"github.com/rbright/vesper/internal/devicestate"
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/logging"
	"github.com/rbright/vesper/internal/provision"
)

const dispatchTimeout = 400 * time.Millisecond

type notifyFunc func(ctx context.Context, appName string, replaceID uint32, summary, body string, timeoutMS int) (uint32, error)

type dismissFunc func(ctx context.Context, id uint32) error

type playFunc func(ctx context.Context, kind cueKind) error

// Indicator observes the device-state coordinator and the activation machine.
type Indicator struct {
	cfg      config.IndicatorConfig
	logger   *slog.Logger
	messages messages

	notify  notifyFunc
	dismiss dismissFunc
	play    playFunc

	mu             sync.Mutex
	notificationID uint32
	cancelled      bool

	soundMu sync.Mutex
	cues    sync.WaitGroup
}

// New builds an Indicator. language picks the notification text.
func New(cfg config.IndicatorConfig, language string, logger *slog.Logger) *Indicator {
	return &Indicator{
		cfg:      cfg,
		logger:   logging.OrDiscard(logger),
		messages: messagesFor(resolveLocale(language)),
		notify:   desktopNotify,
		dismiss:  desktopDismiss,
		play:     emitCue,
	}
}

// StateChanged plays the start cue on entering listening and the complete cue when
// listening ends, unless it ended by cancellation.
func (i *Indicator) StateChanged(from, to devicestate.State) {
	switch {
	case to == devicestate.Listening && from != devicestate.Listening:
		i.playCue(cueStart)
	case from == devicestate.Listening:
		i.mu.Lock()
		cancelled := i.cancelled
		i.cancelled = false
		i.mu.Unlock()
		if !cancelled {
			i.playCue(cueComplete)
		}
	}
}

// UtteranceCancelled plays the cancel cue. Call it before the coordinator leaves listening.
func (i *Indicator) UtteranceCancelled() {
	i.mu.Lock()
	i.cancelled = true
	i.mu.Unlock()
	i.playCue(cueCancel)
}

func (i *Indicator) VerificationCode(challenge provision.Challenge) {
	body := challenge.Message
	if challenge.URL != "" {
		body = strings.TrimSpace(body + " " + fmt.Sprintf(i.messages.portal, challenge.URL))
	}
	timeout := int(challenge.Timeout / time.Millisecond)
	if timeout <= 0 {
		timeout = 300000
	}
	i.show(fmt.Sprintf(i.messages.code, challenge.Code), body, timeout)
}

func (i *Indicator) Progress(int, int) {}

func (i *Indicator) Activated(identity.Credentials) {
	i.show(i.messages.activated, "", 4000)
}

func (i *Indicator) Failed(err error) {
	i.playCue(cueError)
	i.show(i.messages.failed, err.Error(), 8000)
}

// Wait blocks until queued cues have played.
func (i *Indicator) Wait() {
	i.cues.Wait()
}

func (i *Indicator) show(summary, body string, timeoutMS int) {
	if !i.cfg.Enable || !i.cfg.DesktopNotify {
		return
	}
	i.mu.Lock()
	replaceID := i.notificationID
	i.mu.Unlock()

	appName := strings.TrimSpace(i.cfg.DesktopAppName)
	if appName == "" {
		appName = "vesper"
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	id, err := i.notify(ctx, appName, replaceID, summary, body, timeoutMS)
	if err != nil {
		i.logger.Debug("desktop notification failed", "error", err.Error())
		return
	}

	i.mu.Lock()
	i.notificationID = id
	i.mu.Unlock()
}

// Dismiss closes the current notification, if any.
func (i *Indicator) Dismiss() {
	i.mu.Lock()
	id := i.notificationID
	i.notificationID = 0
	i.mu.Unlock()
	if id == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := i.dismiss(ctx, id); err != nil {
		i.logger.Debug("desktop dismiss failed", "error", err.Error())
	}
}

// playCue serializes playback on a background goroutine.
func (i *Indicator) playCue(kind cueKind) {
	if !i.cfg.Enable || !i.cfg.SoundEnable {
		return
	}
	i.cues.Add(1)
	go func() {
		defer i.cues.Done()
		i.soundMu.Lock()
		defer i.soundMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		if err := i.play(ctx, kind); err != nil {
			i.logger.Debug("audio cue failed", "cue", kind.String(), "error", err.Error())
		}
	}()
}
