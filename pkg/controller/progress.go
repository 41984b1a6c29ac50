package controller

import (
	"encoding/json"
	"log/slog"
	"time"

	"speedtest-orchestrator/pkg/models"
	"speedtest-orchestrator/pkg/worker"
)

// progress polls a unit for status and relays each distinct snapshot until
// a terminal one arrives.
type progress struct {
	unit     worker.Unit
	interval time.Duration
	logger   *slog.Logger

	onUpdate func(models.StatusSnapshot)
	// end runs once, after the ticker is stopped.
	end func(last models.StatusSnapshot, aborted bool)

	prev string
	last models.StatusSnapshot
}

func (p *progress) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	replies := p.unit.Replies()
	for {
		select {
		case <-ticker.C:
			p.unit.Post(worker.CmdStatus)
		case raw, ok := <-replies:
			if !ok {
				ticker.Stop()
				p.logger.Error("Execution unit stopped replying before the test ended")
				p.end(p.last, true)
				return
			}
			if raw == p.prev {
				continue
			}
			p.prev = raw

			var snap models.StatusSnapshot
			if err := json.Unmarshal([]byte(raw), &snap); err != nil {
				p.logger.Warn("Ignoring malformed status reply", "reply", raw, "error", err)
				continue
			}
			p.last = snap
			p.deliver(snap)

			if snap.TestState.Terminal() {
				ticker.Stop()
				p.end(snap, snap.TestState == models.Aborted)
				return
			}
		}
	}
}

func (p *progress) deliver(snap models.StatusSnapshot) {
	if p.onUpdate == nil {
		return
	}
	defer recoverCallback(p.logger, "onUpdate")
	p.onUpdate(snap)
}

func recoverCallback(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("Callback panicked", "callback", name, "panic", r)
	}
}
