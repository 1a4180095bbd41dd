package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/recursive-emergence/terrascan/internal/httputil"
)

// HTTPSampler calls an external elevation service over HTTP, grounded on
// the http.Client-with-fixed-Timeout pattern used for outbound calls
// throughout the corpus. The endpoint is expected to accept
// ?lat=..&lon=.. and return {"elevation": <float>}.
type HTTPSampler struct {
	Client   httputil.HTTPClient
	Endpoint string // e.g. "https://elevation.example/v1/lookup"
	Deadline time.Duration
}

// NewHTTPSampler builds an HTTPSampler with sane defaults for Client.
func NewHTTPSampler(endpoint string, deadline time.Duration) *HTTPSampler {
	return &HTTPSampler{
		Client:   httputil.NewStandardClient(&http.Client{Timeout: deadline}),
		Endpoint: endpoint,
		Deadline: deadline,
	}
}

type elevationResponse struct {
	Elevation float64 `json:"elevation"`
}

func (s *HTTPSampler) Sample(ctx context.Context, lat, lon float64) (float64, error) {
	deadline := s.Deadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	url := fmt.Sprintf("%s?lat=%f&lon=%f", s.Endpoint, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("sampler: building request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	var parsed elevationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("%w: decoding body: %v", ErrUnavailable, err)
	}

	return coerceSentinel(parsed.Elevation), nil
}
