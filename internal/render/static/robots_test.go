package static

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func okResponse(req *http.Request, body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
		Request:    req,
	}
}

func TestRobotsTransportFallsBackAfterTimeouts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, timeoutErr{}
	})
	rt := newRobotsTransport(base, zap.NewNop())
	rt.delays = []time.Duration{time.Millisecond, time.Millisecond}

	req, err := http.NewRequest(http.MethodGet, "https://serial.test/robots.txt", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Allow: /")
	require.Equal(t, int32(3), calls.Load())
}

func TestRobotsTransportRecoversOnRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("tls: handshake timeout")
		}
		return okResponse(r, "User-agent: *\nDisallow: /private"), nil
	})
	rt := newRobotsTransport(base, zap.NewNop())
	rt.delays = []time.Duration{time.Millisecond}

	req, err := http.NewRequest(http.MethodGet, "https://serial.test/robots.txt", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Disallow")
	require.Equal(t, int32(2), calls.Load())
}

func TestRobotsTransportPassesOtherErrors(t *testing.T) {
	t.Parallel()

	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	rt := newRobotsTransport(base, zap.NewNop())

	robotsReq, err := http.NewRequest(http.MethodGet, "https://serial.test/robots.txt", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(robotsReq)
	require.ErrorContains(t, err, "connection refused")

	pageReq, err := http.NewRequest(http.MethodGet, "https://serial.test/chapter/1", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(pageReq)
	require.ErrorContains(t, err, "connection refused")
}

func TestRobotsTransportHonorsCancel(t *testing.T) {
	t.Parallel()

	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, timeoutErr{}
	})
	rt := newRobotsTransport(base, zap.NewNop())
	rt.delays = []time.Duration{time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://serial.test/robots.txt", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
}
