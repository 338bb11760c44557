package location

// Handle identifies one subscription on a Source.
type Handle uint64

type Callback func(Sample)

// Source is the OS-side location API as seen by the pipeline. Callbacks are
// delivered one at a time on the source's own goroutine.
type Source interface {
	Subscribe(cb Callback) (Handle, error)
	Unsubscribe(h Handle)
	IsPermissionGranted() bool
	IsProviderEnabled() bool
}

type PermissionStatus int

const (
	PermissionNotDetermined PermissionStatus = iota
	PermissionDenied
	PermissionRestricted
	PermissionWhenInUse
	PermissionAlways
)

func (p PermissionStatus) String() string {
	switch p {
	case PermissionNotDetermined:
		return "not_determined"
	case PermissionDenied:
		return "denied"
	case PermissionRestricted:
		return "restricted"
	case PermissionWhenInUse:
		return "when_in_use"
	case PermissionAlways:
		return "always"
	default:
		return "unknown"
	}
}

func ParsePermissionStatus(s string) (PermissionStatus, bool) {
	for p := PermissionNotDetermined; p <= PermissionAlways; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return PermissionNotDetermined, false
}

// Granted is true only for background ("always") authorization.
func (p PermissionStatus) Granted() bool {
	return p == PermissionAlways
}

// PermissionReporter is implemented by sources that can tell why permission
// is missing, not only that it is.
type PermissionReporter interface {
	PermissionStatus() PermissionStatus
}

// ErrorReporter is implemented by sources that surface provider failures
// (lost fix, dropped feed) without ending the subscription.
type ErrorReporter interface {
	OnError(fn func(error))
}
