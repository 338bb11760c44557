package lifecycle

import "nuha.dev/loctrack/internal/location"

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePermissionBlocked
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePermissionBlocked:
		return "permission_blocked"
	default:
		return "unknown"
	}
}

// BlockReason says why the controller sits in StatePermissionBlocked.
type BlockReason int

const (
	ReasonNone BlockReason = iota
	ReasonPermissionDenied
	ReasonPermissionRestricted
	ReasonPermissionNotDetermined
	ReasonProviderDisabled
)

func (r BlockReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonPermissionDenied:
		return "permission_denied"
	case ReasonPermissionRestricted:
		return "permission_restricted"
	case ReasonPermissionNotDetermined:
		return "permission_not_determined"
	case ReasonProviderDisabled:
		return "provider_disabled"
	default:
		return "unknown"
	}
}

func reasonFor(p location.PermissionStatus) BlockReason {
	switch p {
	case location.PermissionNotDetermined:
		return ReasonPermissionNotDetermined
	case location.PermissionRestricted, location.PermissionWhenInUse:
		return ReasonPermissionRestricted
	default:
		return ReasonPermissionDenied
	}
}
