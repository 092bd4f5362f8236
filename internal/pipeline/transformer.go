// Package pipeline ingests platform events forwarded by the native shell over Pub/Sub.
package pipeline

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-registration/internal/platform/bridge"
)

// PlatformEventTransformer is a dataflow Transformer that decodes and validates a raw
// message payload into a bridge.Event. Malformed events are skipped with an error so
// the StreamingService can handle the Nack/DLQ logic.
func PlatformEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*bridge.Event, bool, error) {
	ev, err := bridge.ParseEvent(msg.Payload)
	if err != nil {
		return nil, true, fmt.Errorf("failed to decode platform event from message %s: %w", msg.ID, err)
	}
	if ev.ID == "" {
		ev.ID = msg.ID
	}
	// Redeliveries keep the original publish time, which orders them behind newer events.
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = msg.PublishTime
	}
	return ev, false, nil
}
