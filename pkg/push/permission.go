package push

// PermissionState tracks the user's notification consent for this launch.
type PermissionState int32

const (
	PermissionUnrequested PermissionState = iota
	PermissionRequested
	PermissionGranted
	PermissionDenied
)

func (s PermissionState) String() string {
	switch s {
	case PermissionUnrequested:
		return "unrequested"
	case PermissionRequested:
		return "requested"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Decided reports whether the user has answered the prompt.
func (s PermissionState) Decided() bool {
	return s == PermissionGranted || s == PermissionDenied
}

// AuthorizationOptions are the notification categories the app asks consent for.
type AuthorizationOptions struct {
	Alert bool
	Badge bool
	Sound bool
}

// DefaultAuthorizationOptions asks for alert, badge and sound.
func DefaultAuthorizationOptions() AuthorizationOptions {
	return AuthorizationOptions{Alert: true, Badge: true, Sound: true}
}
