// Package permission negotiates notification consent with the platform.
package permission

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

type request struct {
	done  chan struct{}
	state push.PermissionState
	err   error
}

// Negotiator asks the AuthorizationCenter for consent. Concurrent callers share
// one in-flight request, and a recorded decision is returned without prompting again.
type Negotiator struct {
	center push.AuthorizationCenter
	logger *slog.Logger

	mu       sync.Mutex
	state    push.PermissionState
	inflight *request
	prompts  int
}

func NewNegotiator(center push.AuthorizationCenter, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		center: center,
		logger: logger.With("component", "PermissionNegotiator"),
	}
}

// RequestAuthorization returns the user's decision. err is non-nil only when the
// platform reported an error; the state is then Denied.
func (n *Negotiator) RequestAuthorization(ctx context.Context, opts push.AuthorizationOptions) (push.PermissionState, error) {
	n.mu.Lock()
	if n.state.Decided() {
		st := n.state
		n.mu.Unlock()
		n.logger.Debug("Authorization already decided, not prompting", "state", st)
		return st, nil
	}
	if r := n.inflight; r != nil {
		n.mu.Unlock()
		n.logger.Debug("Joining in-flight authorization request")
		select {
		case <-r.done:
			return r.state, r.err
		case <-ctx.Done():
			return push.PermissionRequested, ctx.Err()
		}
	}

	r := &request{done: make(chan struct{})}
	n.inflight = r
	n.state = push.PermissionRequested
	n.prompts++
	n.mu.Unlock()

	n.logger.Info("Requesting notification authorization", "alert", opts.Alert, "badge", opts.Badge, "sound", opts.Sound)
	granted, err := n.center.RequestAuthorization(ctx, opts)

	n.mu.Lock()
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// Nobody answered; the next launch may ask again.
		n.state = push.PermissionUnrequested
	case granted:
		n.state = push.PermissionGranted
	default:
		n.state = push.PermissionDenied
	}
	r.state, r.err = n.state, err
	n.inflight = nil
	n.mu.Unlock()
	close(r.done)

	if err != nil {
		n.logger.Warn("Authorization request reported an error", "state", r.state, "err", err)
	} else {
		n.logger.Info("Authorization decided", "state", r.state)
	}
	return r.state, err
}

// Observe records a change the user made outside the app, e.g. in system settings.
// Only Denied to Granted is accepted. It reports whether the state changed.
func (n *Negotiator) Observe(granted bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if granted && n.state == push.PermissionDenied {
		n.state = push.PermissionGranted
		n.logger.Info("Observed authorization granted from settings")
		return true
	}
	return false
}

func (n *Negotiator) State() push.PermissionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Prompts returns how many times the platform was asked.
func (n *Negotiator) Prompts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prompts
}
