// Package status looks up service health from a ranked list of status
// providers whose responses come in different shapes.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/opsdesk/approval-bot/internal/apperr"
	"github.com/opsdesk/approval-bot/internal/model"
)

// Error markers returned in model.Status.Error.
const (
	ErrInvalidName = "invalid name"
	ErrNotFound    = "not found"
)

var serviceName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Normalizer converts a raw payload into a Status. ok is false when
// the payload is not the shape the normalizer understands.
type Normalizer func(raw []byte) (st model.Status, ok bool)

// Provider is one ranked status source. URL must contain "{service}".
type Provider struct {
	Name      string
	URL       string
	Normalize Normalizer
}

// Lookup queries providers in order.
type Lookup struct {
	providers []Provider
	client    *http.Client
	timeout   time.Duration
}

// New returns a Lookup over providers in priority order. callTimeout
// bounds each provider call; non-positive means 5s.
func New(providers []Provider, callTimeout time.Duration) *Lookup {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Lookup{providers: providers, client: &http.Client{}, timeout: callTimeout}
}

// Service returns the first normalized status any provider yields, or
// an error marker. It never returns a Go error.
func (l *Lookup) Service(ctx context.Context, service string) model.Status {
	if !serviceName.MatchString(service) {
		return model.Status{Error: ErrInvalidName}
	}
	for _, p := range l.providers {
		raw, err := l.fetch(ctx, p, service)
		if err != nil {
			continue
		}
		if st, ok := p.Normalize(raw); ok {
			st.Provider = p.Name
			return st
		}
	}
	return model.Status{Error: ErrNotFound}
}

func (l *Lookup) fetch(ctx context.Context, p Provider, service string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	target := strings.ReplaceAll(p.URL, "{service}", url.PathEscape(service))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %w", p.Name, resp.StatusCode, apperr.ErrRejected)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// Health understands actuator-style payloads:
// {"status":"UP","details":{"version":"1.2.3","region":"eu-west-1"}}.
func Health(raw []byte) (model.Status, bool) {
	var p struct {
		Status  string `json:"status"`
		Details *struct {
			Version string `json:"version"`
			Region  string `json:"region"`
		} `json:"details"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Status == "" || p.Details == nil {
		return model.Status{}, false
	}
	st := model.Status{Version: p.Details.Version, Region: p.Details.Region}
	switch strings.ToUpper(p.Status) {
	case "UP":
		st.State, st.Healthy = "up", true
	case "DEGRADED", "WARN":
		st.State = "degraded"
	case "DOWN", "OUT_OF_SERVICE":
		st.State = "down"
	default:
		return model.Status{}, false
	}
	return st, true
}

// StatusPage understands {"component":{"name":..,"region":..},
// "status":{"indicator":"none|minor|major|critical"}}.
func StatusPage(raw []byte) (model.Status, bool) {
	var p struct {
		Component *struct {
			Region  string `json:"region"`
			Version string `json:"version"`
		} `json:"component"`
		Status *struct {
			Indicator string `json:"indicator"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Component == nil || p.Status == nil {
		return model.Status{}, false
	}
	st := model.Status{Version: p.Component.Version, Region: p.Component.Region}
	switch p.Status.Indicator {
	case "none":
		st.State, st.Healthy = "up", true
	case "minor":
		st.State = "degraded"
	case "major", "critical":
		st.State = "down"
	default:
		return model.Status{}, false
	}
	return st, true
}

// Legacy understands the old inventory API: {"healthy":true,"ver":"..","dc":".."}.
func Legacy(raw []byte) (model.Status, bool) {
	var p struct {
		Healthy *bool  `json:"healthy"`
		Ver     string `json:"ver"`
		DC      string `json:"dc"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Healthy == nil {
		return model.Status{}, false
	}
	st := model.Status{Version: p.Ver, Region: p.DC, Healthy: *p.Healthy, State: "down"}
	if *p.Healthy {
		st.State = "up"
	}
	return st, true
}

// Normalizers maps the names accepted in configuration.
var Normalizers = map[string]Normalizer{
	"health":     Health,
	"statuspage": StatusPage,
	"legacy":     Legacy,
}
