package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-registration/internal/platform/bridge"
)

// EventDispatcher routes a platform event to the registration pipeline.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev bridge.Event) error
}

// NewProcessor acknowledges events that can never succeed and returns every other
// error so the message is redelivered.
func NewProcessor(dispatcher EventDispatcher, logger *slog.Logger) messagepipeline.StreamProcessor[bridge.Event] {
	return func(ctx context.Context, original messagepipeline.Message, ev *bridge.Event) error {
		procLogger := logger.With(
			"event_id", ev.ID,
			"event_type", ev.Type,
			"pubsub_msg_id", original.ID,
		)

		err := dispatcher.Dispatch(ctx, *ev)
		switch {
		case err == nil:
			procLogger.Debug("Platform event processed")
			return nil
		case errors.Is(err, bridge.ErrInvalidEvent):
			procLogger.Warn("Dropping invalid platform event", "err", err)
			return nil
		default:
			procLogger.Error("Platform event dispatch failed", "err", err)
			return err
		}
	}
}
