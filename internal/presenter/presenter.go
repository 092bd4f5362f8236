// Package presenter decides how foreground notifications are shown and acknowledges taps.
package presenter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

// ResponseHandler reacts to a tapped notification. Its result never affects
// the acknowledgement.
type ResponseHandler func(ctx context.Context, resp push.NotificationResponse) error

// Presenter implements push.NotificationPresenter.
type Presenter struct {
	options push.PresentationOptions
	handler ResponseHandler
	logger  *slog.Logger
}

// New returns a Presenter. An empty options set falls back to the full set,
// because an empty answer suppresses the notification in the foreground.
func New(options push.PresentationOptions, handler ResponseHandler, logger *slog.Logger) *Presenter {
	if options.IsEmpty() {
		options = push.DefaultPresentationOptions
	}
	return &Presenter{
		options: options,
		handler: handler,
		logger:  logger.With("component", "NotificationPresenter"),
	}
}

func (p *Presenter) WillPresent(_ context.Context, event push.NotificationEvent) push.PresentationOptions {
	p.logger.Debug("Presenting foreground notification", "event_id", event.ID, "options", p.options.String())
	return p.options
}

// DidReceiveResponse signals complete exactly once, whatever the handler does.
func (p *Presenter) DidReceiveResponse(ctx context.Context, resp push.NotificationResponse, complete func()) {
	var once sync.Once
	signal := func() {
		once.Do(func() {
			if complete != nil {
				complete()
			}
		})
	}
	defer signal()

	logger := p.logger.With("event_id", resp.Event.ID, "action_id", resp.ActionID)
	logger.Info("Notification response received")
	if p.handler == nil {
		return
	}

	if err := p.runHandler(ctx, resp); err != nil {
		logger.Warn("Notification response handler failed", "err", err)
	}
}

func (p *Presenter) runHandler(ctx context.Context, resp push.NotificationResponse) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return p.handler(ctx, resp)
}
