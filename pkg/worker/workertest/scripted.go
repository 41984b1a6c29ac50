// Package workertest provides a scripted execution unit for tests of code
// that drives a worker.Unit.
package workertest

import (
	"encoding/json"
	"strings"
	"sync"

	"speedtest-orchestrator/pkg/models"
	"speedtest-orchestrator/pkg/worker"
)

// Scripted answers each status command with the next snapshot of its script
// and repeats the last one once the script is exhausted. After an abort it
// answers with an aborted snapshot.
type Scripted struct {
	mu       sync.Mutex
	script   []models.StatusSnapshot
	next     int
	posted   []string
	start    string
	aborted  bool
	closed   bool
	replies  chan string
	finished bool
}

func NewScripted(script ...models.StatusSnapshot) *Scripted {
	return &Scripted{
		script:  script,
		replies: make(chan string, 64),
	}
}

func (s *Scripted) Post(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.posted = append(s.posted, cmd)

	verb, payload := worker.ParseCommand(cmd)
	switch verb {
	case worker.CmdStart:
		s.start = payload
	case worker.CmdAbort:
		s.aborted = true
	case worker.CmdStatus:
		if s.finished {
			return
		}
		snap := s.current()
		data, _ := json.Marshal(snap)
		select {
		case s.replies <- string(data):
		default:
		}
	}
}

func (s *Scripted) current() models.StatusSnapshot {
	if s.aborted {
		return models.StatusSnapshot{TestState: models.Aborted}
	}
	if len(s.script) == 0 {
		return models.StatusSnapshot{TestState: models.Starting}
	}
	snap := s.script[s.next]
	if s.next < len(s.script)-1 {
		s.next++
	}
	return snap
}

func (s *Scripted) Replies() <-chan string {
	return s.replies
}

func (s *Scripted) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// EndReplies closes the reply channel, as a crashed unit would.
func (s *Scripted) EndReplies() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		close(s.replies)
	}
}

// Posted returns every command received so far.
func (s *Scripted) Posted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.posted...)
}

// Count returns how many commands with the given verb were received.
func (s *Scripted) Count(verb string) int {
	n := 0
	for _, cmd := range s.Posted() {
		if v, _ := worker.ParseCommand(cmd); v == verb {
			n++
		}
	}
	return n
}

// StartSettings decodes the payload of the start command.
func (s *Scripted) StartSettings() (map[string]any, bool) {
	s.mu.Lock()
	payload := s.start
	s.mu.Unlock()
	if strings.TrimSpace(payload) == "" {
		return nil, false
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return nil, false
	}
	return settings, true
}

func (s *Scripted) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
