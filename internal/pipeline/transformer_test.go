package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-registration/internal/pipeline"
	"github.com/tinywideclouds/go-push-registration/internal/platform/bridge"
)

func TestPlatformEventTransformer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	testCases := []struct {
		name                  string
		payload               string
		expectError           bool
		expectedErrorContains string
		expectedType          bridge.EventType
		expectedID            string
	}{
		{
			name:         "Happy Path - Token event",
			payload:      `{"id":"ev-1","type":"token_received","token":"deadbeef"}`,
			expectedType: bridge.EventTokenReceived,
			expectedID:   "ev-1",
		},
		{
			name:         "Missing id falls back to the message id",
			payload:      `{"type":"registration_failed","error":"offline"}`,
			expectedType: bridge.EventRegistrationFailed,
			expectedID:   "msg-1",
		},
		{
			name:                  "Failure - Malformed JSON",
			payload:               "not-json",
			expectError:           true,
			expectedErrorContains: "failed to decode platform event",
		},
		{
			name:                  "Failure - Invalid token",
			payload:               `{"id":"ev-2","type":"token_received","token":"xyz"}`,
			expectError:           true,
			expectedErrorContains: "invalid platform event",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &messagepipeline.Message{
				MessageData: messagepipeline.MessageData{ID: "msg-1", Payload: []byte(tc.payload)},
			}

			ev, skip, err := pipeline.PlatformEventTransformer(ctx, msg)

			if tc.expectError {
				require.Error(t, err)
				assert.True(t, skip)
				assert.Nil(t, ev)
				assert.Contains(t, err.Error(), tc.expectedErrorContains)
				return
			}
			require.NoError(t, err)
			assert.False(t, skip)
			require.NotNil(t, ev)
			assert.Equal(t, tc.expectedType, ev.Type)
			assert.Equal(t, tc.expectedID, ev.ID)
		})
	}
}

func TestPlatformEventTransformer_IssueTime(t *testing.T) {
	ctx := context.Background()
	published := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Publish time stands in for a missing issue time", func(t *testing.T) {
		msg := &messagepipeline.Message{MessageData: messagepipeline.MessageData{
			ID:          "msg-1",
			Payload:     []byte(`{"id":"ev-1","type":"token_received","token":"a1b2"}`),
			PublishTime: published,
		}}
		ev, _, err := pipeline.PlatformEventTransformer(ctx, msg)
		require.NoError(t, err)
		assert.True(t, published.Equal(ev.OccurredAt))
	})

	t.Run("Shell issue time wins", func(t *testing.T) {
		msg := &messagepipeline.Message{MessageData: messagepipeline.MessageData{
			ID:          "msg-2",
			Payload:     []byte(`{"id":"ev-2","type":"token_received","token":"a1b2","occurredAt":"2026-03-01T09:00:00Z"}`),
			PublishTime: published,
		}}
		ev, _, err := pipeline.PlatformEventTransformer(ctx, msg)
		require.NoError(t, err)
		assert.True(t, published.Add(-time.Hour).Equal(ev.OccurredAt))
	})
}
