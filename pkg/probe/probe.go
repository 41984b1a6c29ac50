// Package probe measures HTTP round-trip latency to measurement servers.
package probe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"speedtest-orchestrator/pkg/models"
)

const (
	DefaultTimeout       = 2000 * time.Millisecond
	DefaultMaxAttempts   = 3
	DefaultSlowThreshold = 500 * time.Millisecond
)

// Prober pings ping endpoints. A ping endpoint answers with an empty body.
type Prober struct {
	client *http.Client
	logger *slog.Logger

	// Timeout bounds a single probe. Zero disables it.
	Timeout time.Duration
	// MaxAttempts is the number of probes ProbeServerBest runs at most.
	MaxAttempts int
	// SlowThreshold stops ProbeServerBest after a probe this slow.
	SlowThreshold time.Duration
	// OriginScheme is the scheme a base URL must start with to be probed.
	OriginScheme string
}

func NewProber(client *http.Client, logger *slog.Logger) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		client:        client,
		logger:        logger,
		Timeout:       DefaultTimeout,
		MaxAttempts:   DefaultMaxAttempts,
		SlowThreshold: DefaultSlowThreshold,
		OriginScheme:  "https",
	}
}

// Probe issues one request and returns the latency in milliseconds, or
// models.Unreachable on any failure.
func (p *Prober) Probe(ctx context.Context, endpoint string) float64 {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	// trace hooks run on the transport's goroutines
	var (
		mu                      sync.Mutex
		wroteRequest, firstByte time.Time
	)
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			mu.Lock()
			wroteRequest = time.Now()
			mu.Unlock()
		},
		GotFirstResponseByte: func() {
			mu.Lock()
			firstByte = time.Now()
			mu.Unlock()
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cacheBust(endpoint), nil)
	if err != nil {
		p.logger.Debug("Invalid ping URL", "url", endpoint, "error", err)
		return models.Unreachable
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Ping failed", "url", endpoint, "error", err)
		return models.Unreachable
	}
	defer resp.Body.Close()

	// the contract is an empty body, so one byte is enough to reject
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
	elapsed := time.Since(start)
	if err != nil || n > 0 || resp.StatusCode >= 400 {
		p.logger.Debug("Ping rejected", "url", endpoint, "status", resp.StatusCode, "bodyBytes", n, "error", err)
		return models.Unreachable
	}

	mu.Lock()
	if !wroteRequest.IsZero() && firstByte.After(wroteRequest) {
		if precise := firstByte.Sub(wroteRequest); precise < elapsed {
			elapsed = precise
		}
	}
	mu.Unlock()
	return milliseconds(elapsed)
}

// ProbeServerBest pings the candidate's ping endpoint up to MaxAttempts
// times and stores the best latency on it. It stops early on a failure or
// a probe at or above SlowThreshold.
func (p *Prober) ProbeServerBest(ctx context.Context, c *models.Candidate) float64 {
	c.BestLatencyMs = models.Unreachable
	if !strings.HasPrefix(c.Server.BaseURL, p.originPrefix()) {
		p.logger.Debug("Skipping server outside origin scheme", "server", c.Server.Name, "url", c.Server.BaseURL)
		return c.BestLatencyMs
	}

	slow := milliseconds(p.SlowThreshold)
	for i := 0; i < p.MaxAttempts; i++ {
		t := p.Probe(ctx, c.Server.PingURL())
		if t < 0 {
			break
		}
		if c.BestLatencyMs == models.Unreachable || t < c.BestLatencyMs {
			c.BestLatencyMs = t
		}
		if t >= slow {
			break
		}
	}

	p.logger.Debug("Server probed", "server", c.Server.Name, "latency_ms", c.BestLatencyMs)
	return c.BestLatencyMs
}

func (p *Prober) originPrefix() string {
	return strings.TrimSuffix(p.OriginScheme, ":") + ":"
}

func cacheBust(endpoint string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "cors=true&r=" + uuid.NewString()
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
