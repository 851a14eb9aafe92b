package shadow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Service is the upstream device shadow service. Payloads are the service's own
// JSON documents; Bridge builds and parses them.
type Service interface {
	// UpdateShadow submits payload and returns the document the service echoes.
	UpdateShadow(ctx context.Context, thingName string, payload []byte) ([]byte, error)

	// GetShadow returns the full shadow document.
	GetShadow(ctx context.Context, thingName string) ([]byte, error)
}

// HTTPService talks to a REST shadow endpoint laid out as
// {endpoint}/things/{thingName}/shadow.
type HTTPService struct {
	token      string
	endpoint   string
	httpClient *http.Client
}

// ServiceConfig holds configuration for the shadow service client.
type ServiceConfig struct {
	Endpoint string // base URL of the shadow data plane
	Token    string // optional bearer token
	Timeout  time.Duration
}

// NewHTTPService creates a shadow service client.
func NewHTTPService(cfg ServiceConfig) *HTTPService {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPService{
		token:    cfg.Token,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// UpdateShadow posts payload to the thing's shadow.
func (s *HTTPService) UpdateShadow(ctx context.Context, thingName string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.shadowURL(thingName), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

// GetShadow fetches the thing's shadow.
func (s *HTTPService) GetShadow(ctx context.Context, thingName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.shadowURL(thingName), nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *HTTPService) shadowURL(thingName string) string {
	return fmt.Sprintf("%s/things/%s/shadow", s.endpoint, url.PathEscape(thingName))
}

func (s *HTTPService) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("shadow %s (status %d): %s", req.URL.Path, resp.StatusCode, string(body))
	}

	return body, nil
}

// Ensure HTTPService implements Service interface.
var _ Service = (*HTTPService)(nil)
