package registrationservice

// State is a node of the registration pipeline.
type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateAuthorized
	StateDenied
	StateRegistering
	StateTokenHeld
	StateBound
	StateRegistrationFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateAuthorized:
		return "authorized"
	case StateDenied:
		return "denied"
	case StateRegistering:
		return "registering"
	case StateTokenHeld:
		return "token_held"
	case StateBound:
		return "bound"
	case StateRegistrationFailed:
		return "registration_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final for the current launch: nothing is
// re-requested or re-registered from it. RegistrationFailed still binds a token that
// raced the failure, so it can move on to TokenHeld; see acceptsTokens.
func (s State) Terminal() bool {
	return s == StateDenied || s == StateRegistrationFailed
}

// acceptsTokens reports whether a token callback is meaningful in s.
// RegistrationFailed accepts a late token that raced the failure.
func (s State) acceptsTokens() bool {
	switch s {
	case StateRegistering, StateTokenHeld, StateBound, StateRegistrationFailed:
		return true
	default:
		return false
	}
}
