package push

import (
	"context"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// AuthorizationCenter is the platform's notification authorization subsystem.
type AuthorizationCenter interface {
	// RequestAuthorization prompts the user (at most once per platform policy)
	// and blocks until a decision or ctx is done.
	RequestAuthorization(ctx context.Context, opts AuthorizationOptions) (granted bool, err error)
}

// PushTransport is the platform push transport. Registration is fire-and-forget;
// the outcome arrives later through a TokenCallbackSink.
type PushTransport interface {
	RegisterForRemoteNotifications(ctx context.Context)
}

// MessagingClient is the messaging backend client the device token is bound to.
type MessagingClient interface {
	// SetDeviceToken assigns the platform token. It is a synchronous assignment.
	SetDeviceToken(token []byte)
	// ResolveToken asks the backend for the token it derived from the device token.
	ResolveToken(ctx context.Context) (string, error)
}

// TokenCallbackSink receives the push transport's registration callbacks.
// Implementations must tolerate repeated and out-of-order delivery.
type TokenCallbackSink interface {
	OnTokenReceived(token DevicePushToken)
	OnRegistrationFailed(err error)
}

// SequencedTokenSink is implemented by sinks that can order deliveries carrying
// the time the platform issued them. A delivery older than the latest accepted
// one is stale and dropped.
type SequencedTokenSink interface {
	OnTokenReceivedAt(token DevicePushToken, issuedAt time.Time)
}

// NotificationPresenter decides foreground presentation and acknowledges taps.
type NotificationPresenter interface {
	WillPresent(ctx context.Context, event NotificationEvent) PresentationOptions
	// DidReceiveResponse must call complete exactly once.
	DidReceiveResponse(ctx context.Context, resp NotificationResponse, complete func())
}

// Delegate is everything the host registers for launch and notification events.
type Delegate interface {
	TokenCallbackSink
	NotificationPresenter
}

// DelegateRegistry is the host's plugin registry.
type DelegateRegistry interface {
	RegisterDelegate(d Delegate) error
}

// BindingRecord is the persisted linkage between an installation and the backend.
type BindingRecord struct {
	InstallationID string
	Owner          urn.URN
	Backend        string
	DeviceToken    string // canonical hex
	BackendToken   string
	BoundAt        time.Time
	AffirmedAt     time.Time
}

// BindingStore persists binding records across launches.
type BindingStore interface {
	// Save replaces the record for rec.InstallationID. Superseded values are not merged.
	Save(ctx context.Context, rec BindingRecord) error
	// Load returns the record or ErrBindingNotFound.
	Load(ctx context.Context, installationID string) (*BindingRecord, error)
	// Touch updates AffirmedAt for a re-bind of the same token.
	Touch(ctx context.Context, installationID string, at time.Time) error
	// ListByOwner returns every installation bound for an owner.
	ListByOwner(ctx context.Context, owner urn.URN) ([]BindingRecord, error)
}
