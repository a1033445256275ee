package delivery

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// computeDelay returns base*2^(attempt-1) capped at max, with +/- jitterPct applied.
// attempt is the 1-based number of the attempt that just failed.
func computeDelay(attempt int, base, max time.Duration, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			d = max
			break
		}
	}
	if max > 0 && d > max {
		d = max
	}
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(d) * j)
}

// ClassifyReason maps a transport error to a low-cardinality metrics label.
func ClassifyReason(err error) string {
	if err == nil {
		return "other"
	}
	if status := HTTPStatus(err); status > 0 {
		switch {
		case status >= 500:
			return "http_5xx"
		case status == 429:
			return "http_429"
		case status >= 400:
			return "http_4xx"
		}
		return "other"
	}
	if IsPermanent(err) {
		return "permanent"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}

	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "network"
	}
	return "other"
}
