package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/metrics"
)

const robotsFallbackTLSTimeout = "tls_timeout"

var robotsRetryDelays = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport retries robots.txt probes that hit transient TLS timeouts.
// When retries run out it answers with an allow-all robots file so a flaky
// handshake does not block the page itself.
type robotsTransport struct {
	base   http.RoundTripper
	delays []time.Duration
	logger *zap.Logger
}

func newRobotsTransport(base http.RoundTripper, logger *zap.Logger) *robotsTransport {
	return &robotsTransport{base: base, delays: robotsRetryDelays, logger: logger}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL, err)
		}
		return resp, nil
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots probe %s: %w", req.URL.Host, err)
		}
		if attempt >= len(t.delays) {
			t.logger.Warn("robots probe timed out, allowing fetch",
				zap.String("host", req.URL.Host),
				zap.Int("attempts", attempt+1),
			)
			metrics.ObserveRobotsFallback(robotsFallbackTLSTimeout)
			return allowAllRobots(req), nil
		}
		if err := sleepContext(req.Context(), t.delays[attempt]); err != nil {
			return nil, err
		}
	}
}

func isRobotsRequest(req *http.Request) bool {
	return req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

func isTransientTLSError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAllRobots(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}
