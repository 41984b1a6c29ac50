package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"speedtest-orchestrator/pkg/models"
)

type pingServer struct {
	*httptest.Server
	hits  atomic.Int32
	query atomic.Value
}

// newPingServer answers /empty with an empty body after delay and /body with
// a non-empty one. /fail-after-N returns an empty body N times, then 500s.
func newPingServer(t *testing.T, delay time.Duration) *pingServer {
	ps := &pingServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ps.hits.Add(1)
		ps.query.Store(r.URL.RawQuery)
		time.Sleep(delay)
		switch r.URL.Path {
		case "/empty":
		case "/body":
			w.Write([]byte("pong"))
		case "/fail-after-1":
			if n > 1 {
				w.WriteHeader(http.StatusInternalServerError)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func newTestProber(ps *pingServer) *Prober {
	p := NewProber(ps.Client(), nil)
	p.OriginScheme = "http"
	return p
}

func TestProbe(t *testing.T) {
	ps := newPingServer(t, 0)
	p := newTestProber(ps)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "Empty body", path: "/empty"},
		{name: "Non-empty body", path: "/body", wantErr: true},
		{name: "Not found", path: "/missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Probe(context.Background(), ps.URL+tt.path)
			if tt.wantErr && got != models.Unreachable {
				t.Errorf("Probe() = %v, want %v", got, models.Unreachable)
			}
			if !tt.wantErr && got < 0 {
				t.Errorf("Probe() = %v, want a latency", got)
			}
		})
	}
}

func TestProbeCacheBuster(t *testing.T) {
	ps := newPingServer(t, 0)
	p := newTestProber(ps)

	p.Probe(context.Background(), ps.URL+"/empty")
	first := ps.query.Load().(string)
	p.Probe(context.Background(), ps.URL+"/empty?a=b")
	second := ps.query.Load().(string)

	if !strings.HasPrefix(first, "cors=true&r=") {
		t.Errorf("query = %q, want cache-busting marker", first)
	}
	if !strings.HasPrefix(second, "a=b&cors=true&r=") {
		t.Errorf("query = %q, want marker appended with &", second)
	}
	if strings.TrimPrefix(second, "a=b&") == first {
		t.Error("cache-busting marker repeated between probes")
	}
}

func TestProbeTimeout(t *testing.T) {
	ps := newPingServer(t, 300*time.Millisecond)
	p := newTestProber(ps)
	p.Timeout = 50 * time.Millisecond

	if got := p.Probe(context.Background(), ps.URL+"/empty"); got != models.Unreachable {
		t.Errorf("Probe() = %v, want timeout to be a failure", got)
	}
}

func TestProbeUnreachableHost(t *testing.T) {
	ps := newPingServer(t, 0)
	url := ps.URL
	ps.Close()

	p := newTestProber(ps)
	if got := p.Probe(context.Background(), url+"/empty"); got != models.Unreachable {
		t.Errorf("Probe() = %v, want %v", got, models.Unreachable)
	}
}

func TestProbeServerBest(t *testing.T) {
	tests := []struct {
		name          string
		delay         time.Duration
		slow          time.Duration
		path          string
		scheme        string
		wantHits      int32
		wantReachable bool
	}{
		{name: "Three fast pings", slow: time.Second, path: "empty", wantHits: 3, wantReachable: true},
		{name: "Slow ping stops early", delay: 60 * time.Millisecond, slow: 50 * time.Millisecond, path: "empty", wantHits: 1, wantReachable: true},
		{name: "First ping fails", slow: time.Second, path: "body", wantHits: 1},
		{name: "Later failure keeps best", slow: time.Second, path: "fail-after-1", wantHits: 2, wantReachable: true},
		{name: "Origin scheme mismatch", slow: time.Second, path: "empty", scheme: "https", wantHits: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := newPingServer(t, tt.delay)
			p := newTestProber(ps)
			p.SlowThreshold = tt.slow
			if tt.scheme != "" {
				p.OriginScheme = tt.scheme
			}
			c := models.NewCandidate(&models.ServerDefinition{Name: "s", BaseURL: ps.URL + "/", PingPath: tt.path})
			got := p.ProbeServerBest(context.Background(), c)

			if hits := ps.hits.Load(); hits != tt.wantHits {
				t.Errorf("hits = %d, want %d", hits, tt.wantHits)
			}
			if c.Reachable() != tt.wantReachable {
				t.Errorf("Reachable() = %v, want %v (latency %v)", c.Reachable(), tt.wantReachable, got)
			}
			if got != c.BestLatencyMs {
				t.Errorf("ProbeServerBest() = %v, candidate holds %v", got, c.BestLatencyMs)
			}
		})
	}
}
