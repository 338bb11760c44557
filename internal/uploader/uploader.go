// Package uploader posts significant samples to the remote collector. Each
// sample gets exactly one attempt: no retry, no queue, no persistence.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/loctrack/internal/location"
	"nuha.dev/loctrack/internal/metrics"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxInflight = 8

	// bodyExcerpt bounds how much of a rejection body is logged.
	bodyExcerpt = 512
)

type Outcome int

const (
	Skipped Outcome = iota
	Delivered
	Rejected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Endpoint    string
	Timeout     time.Duration
	MaxInflight int
}

type payload struct {
	UserID    int     `json:"user_id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Speed     float64 `json:"speed"`
	Timestamp int64   `json:"timestamp"`
	Altitude  float64 `json:"altitude"`
	Heading   float64 `json:"heading"`
}

type Uploader struct {
	endpoint string
	client   *http.Client
	metrics  *metrics.Metrics
	log      log.Logger
}

func New(config *Config, m *metrics.Metrics) *Uploader {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	u := &Uploader{}
	u.endpoint = config.Endpoint
	u.metrics = m
	u.client = &http.Client{
		Timeout: 3 * timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
	u.log = log.DefaultLogger
	u.log.Context = log.NewContext(nil).Str("module", "uploader").Value()
	return u
}

// Upload makes a single POST of s on behalf of creds. It never returns an
// error; the outcome is logged and counted.
func (u *Uploader) Upload(ctx context.Context, s location.Sample, creds location.Credentials) Outcome {
	o := u.upload(ctx, s, creds)
	u.metrics.Upload(o.String())
	return o
}

func (u *Uploader) upload(ctx context.Context, s location.Sample, creds location.Credentials) Outcome {
	if !creds.Valid() {
		u.log.Info().Str("event", "upload").Msg("skipped, not authenticated")
		return Skipped
	}
	body, err := json.Marshal(payload{
		UserID:    creds.UserID,
		Lat:       s.Latitude,
		Lng:       s.Longitude,
		Accuracy:  s.Accuracy,
		Speed:     s.Speed,
		Timestamp: s.Timestamp,
		Altitude:  s.Altitude,
		Heading:   s.Heading,
	})
	if err != nil {
		u.log.Error().Err(err).Msg("encode payload")
		return Failed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		u.log.Error().Err(err).Str("endpoint", u.endpoint).Msg("build request")
		return Failed
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := u.client.Do(req)
	if err != nil {
		u.log.Error().Err(fmt.Errorf("post location: %w", err)).Int("user_id", creds.UserID).Msg("upload failed")
		return Failed
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerpt))
		u.log.Warn().Int("status", resp.StatusCode).Str("body", string(excerpt)).Int("user_id", creds.UserID).Msg("upload rejected")
		return Rejected
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, bodyExcerpt))
	u.log.Debug().Int("status", resp.StatusCode).EmbedObject(s).Msg("location uploaded")
	return Delivered
}
