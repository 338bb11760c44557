package netsource

import (
	"nuha.dev/loctrack/internal/location"
)

type LoginMessage struct {
	Serial     string `json:"serial" validate:"required,max=64"`
	DeviceType string `json:"device_type" validate:"max=32"`
}

type LocationMessage struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64 `json:"accuracy" validate:"gte=0"`
	Altitude  float64 `json:"altitude"`
	Speed     float64 `json:"speed" validate:"gte=0"`
	Heading   float64 `json:"heading" validate:"gte=0,lt=360"`
	Timestamp int64   `json:"timestamp" validate:"gt=0"`
	Provider  string  `json:"provider" validate:"omitempty,oneof=gps network significant_change"`
}

type ProviderMessage struct {
	GPS     bool `json:"gps"`
	Network bool `json:"network"`
}

type ErrorMessage struct {
	Error string `json:"error" validate:"required"`
}

func (m *LocationMessage) Sample() location.Sample {
	p, _ := location.ParseProvider(m.Provider)
	return location.Sample{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Accuracy:  m.Accuracy,
		Altitude:  m.Altitude,
		Speed:     m.Speed,
		Heading:   m.Heading,
		Timestamp: m.Timestamp,
		Provider:  p,
	}
}
