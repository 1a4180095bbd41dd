package sampler

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/recursive-emergence/terrascan/internal/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSamplerParsesElevation(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"elevation": 1234.5}`)

	s := &HTTPSampler{Client: mock, Endpoint: "https://example/elev", Deadline: time.Second}
	v, err := s.Sample(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1234.5, v)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestHTTPSamplerCoercesSentinel(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `{"elevation": -32768}`)

	s := &HTTPSampler{Client: mock, Endpoint: "https://example/elev", Deadline: time.Second}
	v, err := s.Sample(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))
}

func TestHTTPSamplerNetworkError(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddErrorResponse(errors.New("connection refused"))

	s := &HTTPSampler{Client: mock, Endpoint: "https://example/elev", Deadline: time.Second}
	_, err := s.Sample(context.Background(), 1, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPSamplerNonOKStatus(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(503, `service unavailable`)

	s := &HTTPSampler{Client: mock, Endpoint: "https://example/elev", Deadline: time.Second}
	_, err := s.Sample(context.Background(), 1, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPSamplerMalformedBody(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `not json`)

	s := &HTTPSampler{Client: mock, Endpoint: "https://example/elev", Deadline: time.Second}
	_, err := s.Sample(context.Background(), 1, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewHTTPSamplerDefaults(t *testing.T) {
	s := NewHTTPSampler("https://example/elev", 2*time.Second)
	assert.NotNil(t, s.Client)
	assert.Equal(t, 2*time.Second, s.Deadline)
}
