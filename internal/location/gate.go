package location

import "sync"

// Gate holds the authorization and provider switches a source reports. It is
// embedded by sources whose permission state is driven from outside (the host
// forwards OS authorization changes into it).
type Gate struct {
	mu      sync.Mutex
	status  PermissionStatus
	gps     bool
	network bool
}

func NewGate(status PermissionStatus, gps, network bool) *Gate {
	return &Gate{status: status, gps: gps, network: network}
}

func (g *Gate) SetPermission(p PermissionStatus) {
	g.mu.Lock()
	g.status = p
	g.mu.Unlock()
}

func (g *Gate) SetProviders(gps, network bool) {
	g.mu.Lock()
	g.gps = gps
	g.network = network
	g.mu.Unlock()
}

func (g *Gate) PermissionStatus() PermissionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Gate) IsPermissionGranted() bool {
	return g.PermissionStatus().Granted()
}

// IsProviderEnabled is true when at least one of GPS or network is enabled.
func (g *Gate) IsProviderEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gps || g.network
}

// Accepts reports whether samples from p should be delivered. Nothing is
// delivered while permission is not granted.
func (g *Gate) Accepts(p Provider) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.status.Granted() {
		return false
	}
	switch p {
	case ProviderGPS:
		return g.gps
	case ProviderNetwork:
		return g.network
	default:
		return g.gps || g.network
	}
}
