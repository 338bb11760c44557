// Package location holds the sample model shared by every stage of the
// pipeline and the interface a location source has to satisfy.
package location

import (
	"errors"
	"strings"
	"time"

	"github.com/phuslu/log"
)

type Provider int

const (
	ProviderGPS Provider = iota
	ProviderNetwork
	ProviderSignificantChange
)

var errUnknownProvider = errors.New("unknown provider")

func (p Provider) String() string {
	switch p {
	case ProviderGPS:
		return "gps"
	case ProviderNetwork:
		return "network"
	case ProviderSignificantChange:
		return "significant_change"
	default:
		return "unknown"
	}
}

func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(s) {
	case "gps", "":
		return ProviderGPS, nil
	case "network":
		return ProviderNetwork, nil
	case "significant_change":
		return ProviderSignificantChange, nil
	default:
		return ProviderGPS, errUnknownProvider
	}
}

func (p Provider) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Provider) UnmarshalText(b []byte) error {
	v, err := ParseProvider(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Sample is one location fix. Samples are passed by value and never
// modified once built.
type Sample struct {
	Latitude  float64  `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64  `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64  `json:"accuracy" validate:"gte=0"`
	Altitude  float64  `json:"altitude"`
	Speed     float64  `json:"speed"`
	Heading   float64  `json:"heading"`
	Timestamp int64    `json:"timestamp" validate:"gt=0"`
	Provider  Provider `json:"provider"`
}

func (s Sample) Time() time.Time {
	return time.Unix(0, s.Timestamp*int64(time.Millisecond))
}

func (s Sample) MarshalObject(e *log.Entry) {
	e.Float64("lat", s.Latitude).Float64("lon", s.Longitude).Float64("accuracy", s.Accuracy).
		Float64("speed", s.Speed).Int64("timestamp", s.Timestamp).Str("provider", s.Provider.String())
}

// NoUser is the user id stored when nobody is logged in.
const NoUser = -1

type Credentials struct {
	UserID int
	Token  string
}

// Valid reports whether both the user id and the token are present.
func (c Credentials) Valid() bool {
	return c.UserID != NoUser && c.UserID >= 0 && c.Token != ""
}
