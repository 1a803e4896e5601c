package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/model"
)

// LocationPlaceholder in a source URL is replaced with the escaped location
const LocationPlaceholder = "{location}"

const maxBodyBytes = 4 << 20

// NewHTTPClient returns a client with bounded dial and handshake times
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// HTTPConfig configures an HTTPSource
type HTTPConfig struct {
	Name     string
	URL      string
	Headers  map[string]string
	Attempts int
	Backoff  RetryStrategy
	Client   *http.Client
}

// HTTPSource polls a JSON endpoint returning alerts, either as a bare array
// or wrapped as {"alerts": [...]}
type HTTPSource struct {
	logger *zap.Logger
	cfg    HTTPConfig
}

// NewHTTPSource creates an HTTP-backed source
func NewHTTPSource(cfg HTTPConfig, logger *zap.Logger) *HTTPSource {
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(DefaultFetchTimeout)
	}
	return &HTTPSource{
		logger: logger.Named("source").With(zap.String("source", cfg.Name)),
		cfg:    cfg,
	}
}

func (s *HTTPSource) Name() string { return s.cfg.Name }

func (s *HTTPSource) Fetch(ctx context.Context, location string) ([]*model.Alert, error) {
	body, err := s.fetchBody(ctx, location)
	if err != nil {
		return nil, err
	}
	return s.decode(body)
}

func (s *HTTPSource) fetchBody(ctx context.Context, location string) ([]byte, error) {
	var body []byte
	target := buildURL(s.cfg.URL, location)
	err := Retry(ctx, s.cfg.Attempts, s.cfg.Backoff, func() error {
		var err error
		body, err = getJSON(ctx, s.cfg.Client, target, s.cfg.Headers)
		return err
	})
	return body, err
}

func (s *HTTPSource) decode(body []byte) ([]*model.Alert, error) {
	raw, err := decodeList(body, "alerts")
	if err != nil {
		return nil, err
	}

	alerts := make([]*model.Alert, 0, len(raw))
	for _, r := range raw {
		var a model.Alert
		if err := json.Unmarshal(r, &a); err != nil {
			s.logger.Warn("Skipping malformed alert", zap.Error(err))
			continue
		}
		if !a.Kind.Valid() {
			s.logger.Warn("Skipping alert of unknown kind", zap.String("kind", string(a.Kind)))
			continue
		}
		alerts = append(alerts, &a)
	}
	return alerts, nil
}

func buildURL(raw, location string) string {
	if strings.Contains(raw, LocationPlaceholder) {
		return strings.ReplaceAll(raw, LocationPlaceholder, url.QueryEscape(location))
	}
	if location == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("location", location)
	u.RawQuery = q.Encode()
	return u.String()
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Permanent(err)
		}
		return nil, err
	}
	return body, nil
}

// decodeList accepts a bare JSON array or an object holding one under key
func decodeList(body []byte, key string) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return list, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	inner, ok := wrapped[key]
	if !ok {
		// a single object
		return []json.RawMessage{body}, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(inner, &list); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return list, nil
}
