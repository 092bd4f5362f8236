package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-registration/pkg/push"
)

const installationsCollection = "installations"

// BindingStore implements push.BindingStore using Google Cloud Firestore.
type BindingStore struct {
	client *firestore.Client
}

func NewBindingStore(client *firestore.Client) *BindingStore {
	return &BindingStore{client: client}
}

// bindingDoc is the internal DB representation.
type bindingDoc struct {
	InstallationID string    `firestore:"installation_id"`
	Owner          string    `firestore:"owner,omitempty"`
	Backend        string    `firestore:"backend"`
	DeviceToken    string    `firestore:"device_token"`
	BackendToken   string    `firestore:"backend_token,omitempty"`
	BoundAt        time.Time `firestore:"bound_at"`
	AffirmedAt     time.Time `firestore:"affirmed_at"`
}

// Save replaces the whole document so a superseded token leaves nothing behind.
func (s *BindingStore) Save(ctx context.Context, rec push.BindingRecord) error {
	doc := bindingDoc{
		InstallationID: rec.InstallationID,
		Owner:          rec.Owner.String(),
		Backend:        rec.Backend,
		DeviceToken:    rec.DeviceToken,
		BackendToken:   rec.BackendToken,
		BoundAt:        rec.BoundAt,
		AffirmedAt:     rec.AffirmedAt,
	}
	if _, err := s.installationRef(rec.InstallationID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to save binding for %s: %w", rec.InstallationID, err)
	}
	return nil
}

func (s *BindingStore) Load(ctx context.Context, installationID string) (*push.BindingRecord, error) {
	snap, err := s.installationRef(installationID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, push.ErrBindingNotFound
		}
		return nil, fmt.Errorf("failed to load binding for %s: %w", installationID, err)
	}

	var doc bindingDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("corrupt binding record for %s: %w", installationID, err)
	}
	rec := doc.toRecord()
	return &rec, nil
}

func (s *BindingStore) Touch(ctx context.Context, installationID string, at time.Time) error {
	_, err := s.installationRef(installationID).Update(ctx, []firestore.Update{
		{Path: "affirmed_at", Value: at},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return push.ErrBindingNotFound
		}
		return fmt.Errorf("failed to touch binding for %s: %w", installationID, err)
	}
	return nil
}

func (s *BindingStore) ListByOwner(ctx context.Context, owner urn.URN) ([]push.BindingRecord, error) {
	iter := s.client.Collection(installationsCollection).Where("owner", "==", owner.String()).Documents(ctx)
	defer iter.Stop()

	records := make([]push.BindingRecord, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var doc bindingDoc
		if err := snap.DataTo(&doc); err != nil {
			// Skip corrupt rows.
			continue
		}
		records = append(records, doc.toRecord())
	}
	return records, nil
}

func (d bindingDoc) toRecord() push.BindingRecord {
	rec := push.BindingRecord{
		InstallationID: d.InstallationID,
		Backend:        d.Backend,
		DeviceToken:    d.DeviceToken,
		BackendToken:   d.BackendToken,
		BoundAt:        d.BoundAt,
		AffirmedAt:     d.AffirmedAt,
	}
	if d.Owner != "" {
		if owner, err := urn.Parse(d.Owner); err == nil {
			rec.Owner = owner
		}
	}
	return rec
}

// installationRef: installations/{sha256(installationID)}
func (s *BindingStore) installationRef(installationID string) *firestore.DocumentRef {
	return s.client.Collection(installationsCollection).Doc(hashID(installationID))
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
