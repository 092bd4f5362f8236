package push

import (
	"fmt"
	"strings"
	"time"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// PresentationOptions is the set of affordances used to render a notification
// that arrives while the app is in the foreground.
type PresentationOptions uint8

const (
	PresentBanner PresentationOptions = 1 << iota
	PresentList
	PresentSound
	PresentBadge
)

const (
	// PresentAlert is the visual alert: banner plus notification list.
	PresentAlert = PresentBanner | PresentList
	// DefaultPresentationOptions shows everything.
	DefaultPresentationOptions = PresentBanner | PresentList | PresentSound | PresentBadge
)

var presentationNames = []struct {
	opt  PresentationOptions
	name string
}{
	{PresentBanner, "banner"},
	{PresentList, "list"},
	{PresentSound, "sound"},
	{PresentBadge, "badge"},
}

// Has reports whether every option in o is set.
func (p PresentationOptions) Has(o PresentationOptions) bool {
	return p&o == o
}

func (p PresentationOptions) IsEmpty() bool {
	return p == 0
}

// Strings returns the option names in a stable order.
func (p PresentationOptions) Strings() []string {
	names := make([]string, 0, len(presentationNames))
	for _, n := range presentationNames {
		if p.Has(n.opt) {
			names = append(names, n.name)
		}
	}
	return names
}

func (p PresentationOptions) String() string {
	return strings.Join(p.Strings(), "|")
}

// ParsePresentationOptions accepts option names; "alert" expands to banner and list.
func ParsePresentationOptions(names []string) (PresentationOptions, error) {
	var p PresentationOptions
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if name == "alert" {
			p |= PresentAlert
			continue
		}
		found := false
		for _, n := range presentationNames {
			if n.name == name {
				p |= n.opt
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown presentation option %q", raw)
		}
	}
	return p, nil
}

// NotificationEvent is a notification delivered while the app is active.
type NotificationEvent struct {
	ID         string
	Content    notification.NotificationContent
	Data       map[string]string
	ReceivedAt time.Time
}

// NotificationResponse is the user's interaction with a delivered notification.
type NotificationResponse struct {
	Event    NotificationEvent
	ActionID string
}

// DefaultActionID is reported when the user taps the notification body.
const DefaultActionID = "default"
