package activation

import (
	"github.com/rbright/vesper/internal/identity"
	"github.com/rbright/vesper/internal/provision"
)

// Listener observes one activation attempt. Calls arrive on the attempt's goroutine.
type Listener interface {
	VerificationCode(challenge provision.Challenge)
	Progress(attempt, total int)
	Activated(creds identity.Credentials)
	Failed(err error)
}

// Callbacks adapts optional functions to Listener.
type Callbacks struct {
	OnVerificationCode func(provision.Challenge)
	OnProgress         func(attempt, total int)
	OnActivated        func(identity.Credentials)
	OnFailed           func(error)
}

func (c Callbacks) VerificationCode(challenge provision.Challenge) {
	if c.OnVerificationCode != nil {
		c.OnVerificationCode(challenge)
	}
}

func (c Callbacks) Progress(attempt, total int) {
	if c.OnProgress != nil {
		c.OnProgress(attempt, total)
	}
}

func (c Callbacks) Activated(creds identity.Credentials) {
	if c.OnActivated != nil {
		c.OnActivated(creds)
	}
}

func (c Callbacks) Failed(err error) {
	if c.OnFailed != nil {
		c.OnFailed(err)
	}
}

type multiListener []Listener

func (m multiListener) VerificationCode(challenge provision.Challenge) {
	for _, l := range m {
		if l != nil {
			l.VerificationCode(challenge)
		}
	}
}

func (m multiListener) Progress(attempt, total int) {
	for _, l := range m {
		if l != nil {
			l.Progress(attempt, total)
		}
	}
}

func (m multiListener) Activated(creds identity.Credentials) {
	for _, l := range m {
		if l != nil {
			l.Activated(creds)
		}
	}
}

func (m multiListener) Failed(err error) {
	for _, l := range m {
		if l != nil {
			l.Failed(err)
		}
	}
}
