// Package selector picks the lowest-latency server from a set of candidates.
package selector

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc/iter"

	"speedtest-orchestrator/pkg/models"
)

// DefaultConcurrency is the number of probing lanes.
const DefaultConcurrency = 6

// Prober measures one candidate and records its best latency on it.
type Prober interface {
	ProbeServerBest(ctx context.Context, c *models.Candidate) float64
}

type Selector struct {
	prober      Prober
	concurrency int
	logger      *slog.Logger
}

func New(prober Prober, concurrency int, logger *slog.Logger) *Selector {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{prober: prober, concurrency: concurrency, logger: logger}
}

// Partition deals candidates round-robin into n lanes; candidate i goes to
// lane i%n. Lanes keep the original relative order. n below 1 is one lane.
func Partition(candidates []*models.Candidate, n int) [][]*models.Candidate {
	if n < 1 {
		n = 1
	}
	lanes := make([][]*models.Candidate, n)
	for i, c := range candidates {
		lanes[i%n] = append(lanes[i%n], c)
	}
	return lanes
}

// Select probes every server and returns the reachable candidate with the
// lowest latency, or nil if none answered. Lanes run concurrently; within a
// lane candidates are probed one after another.
func (s *Selector) Select(ctx context.Context, servers []*models.ServerDefinition) *models.Candidate {
	candidates := make([]*models.Candidate, len(servers))
	for i, server := range servers {
		candidates[i] = models.NewCandidate(server)
	}
	lanes := Partition(candidates, s.concurrency)

	s.logger.Debug("Selecting server", "servers", len(servers), "lanes", len(lanes))

	mapper := iter.Mapper[[]*models.Candidate, *models.Candidate]{MaxGoroutines: len(lanes)}
	laneBest := mapper.Map(lanes, func(lane *[]*models.Candidate) *models.Candidate {
		for _, c := range *lane {
			if ctx.Err() != nil {
				break
			}
			s.prober.ProbeServerBest(ctx, c)
		}
		return Best(*lane)
	})

	best := Best(laneBest)
	if best == nil {
		s.logger.Warn("No reachable server", "servers", len(servers))
		return nil
	}
	s.logger.Info("Server selected", "server", best.Server.Name, "latency_ms", best.BestLatencyMs)
	return best
}

// Best returns the first candidate with the lowest reachable latency.
// Nil entries and unreachable candidates never win.
func Best(candidates []*models.Candidate) *models.Candidate {
	var best *models.Candidate
	for _, c := range candidates {
		if !c.Reachable() {
			continue
		}
		if best == nil || c.BestLatencyMs < best.BestLatencyMs {
			best = c
		}
	}
	return best
}
