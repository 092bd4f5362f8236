package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-registration/internal/platform/bridge"
	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

// EventDispatcher routes a platform event to the registration pipeline.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev bridge.Event) error
}

// StatusProvider exposes the pipeline snapshot.
type StatusProvider interface {
	Snapshot() push.Status
}

type RegistrationAPI struct {
	Events    EventDispatcher
	Presenter push.NotificationPresenter
	Status    StatusProvider
	// Store is optional; without it installation listings are empty.
	Store  push.BindingStore
	Logger *slog.Logger
}

func NewRegistrationAPI(
	events EventDispatcher,
	presenter push.NotificationPresenter,
	status StatusProvider,
	store push.BindingStore,
	logger *slog.Logger,
) *RegistrationAPI {
	return &RegistrationAPI{
		Events:    events,
		Presenter: presenter,
		Status:    status,
		Store:     store,
		Logger:    logger.With("component", "RegistrationAPI"),
	}
}

// --- Platform callbacks ---

// PostEvent accepts any platform event from the native shell.
func (api *RegistrationAPI) PostEvent(w http.ResponseWriter, r *http.Request) {
	var ev bridge.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if err := api.Events.Dispatch(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, bridge.ErrInvalidEvent):
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, bridge.ErrNoDelegate):
			response.WriteJSONError(w, http.StatusServiceUnavailable, "registration pipeline not attached")
		default:
			api.Logger.Error("failed to dispatch platform event", "event_id", ev.ID, "type", ev.Type, "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Foreground presentation ---

type PresentResponse struct {
	EventID      string   `json:"eventId"`
	Presentation []string `json:"presentation"`
}

// Present answers synchronously with the presentation options for a foreground notification.
func (api *RegistrationAPI) Present(w http.ResponseWriter, r *http.Request) {
	var n bridge.NotificationPayload
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ev := bridge.Event{Notification: &n}
	opts := api.Presenter.WillPresent(r.Context(), ev.NotificationEvent(time.Now()))

	writeJSON(w, http.StatusOK, PresentResponse{EventID: n.ID, Presentation: opts.Strings()})
}

type RespondRequest struct {
	Notification bridge.NotificationPayload `json:"notification"`
	ActionID     string                     `json:"actionId"`
}

// Respond acknowledges a tapped notification. It returns once completion was signalled.
func (api *RegistrationAPI) Respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ActionID == "" {
		req.ActionID = push.DefaultActionID
	}

	ev := bridge.Event{Notification: &req.Notification}
	done := make(chan struct{})
	api.Presenter.DidReceiveResponse(r.Context(), push.NotificationResponse{
		Event:    ev.NotificationEvent(time.Now()),
		ActionID: req.ActionID,
	}, func() { close(done) })

	select {
	case <-done:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
		response.WriteJSONError(w, http.StatusServiceUnavailable, "request cancelled")
	}
}

// --- Diagnostics ---

func (api *RegistrationAPI) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.Status.Snapshot())
}

type InstallationResponse struct {
	InstallationID string    `json:"installationId"`
	Backend        string    `json:"backend"`
	DeviceToken    string    `json:"deviceToken"`
	BackendToken   string    `json:"backendToken,omitempty"`
	BoundAt        time.Time `json:"boundAt"`
	AffirmedAt     time.Time `json:"affirmedAt"`
}

// ListInstallations returns every installation bound for the authenticated user.
func (api *RegistrationAPI) ListInstallations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	out := make([]InstallationResponse, 0)
	if api.Store != nil {
		records, err := api.Store.ListByOwner(ctx, userURN)
		if err != nil {
			api.Logger.Error("failed to list installations", "owner", userURN.String(), "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
		for _, rec := range records {
			out = append(out, InstallationResponse{
				InstallationID: rec.InstallationID,
				Backend:        rec.Backend,
				DeviceToken:    rec.DeviceToken,
				BackendToken:   rec.BackendToken,
				BoundAt:        rec.BoundAt,
				AffirmedAt:     rec.AffirmedAt,
			})
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
