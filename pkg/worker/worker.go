// Package worker defines the message protocol of the background execution
// unit and provides an HTTP implementation of it.
//
// A unit accepts three commands through Post:
//
//	"start " + <JSON settings>
//	"abort"
//	"status"
//
// and answers each "status" with a JSON StatusSnapshot on Replies. A unit may
// skip a reply; callers must not treat a missing reply as an error.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"speedtest-orchestrator/pkg/models"
	"speedtest-orchestrator/pkg/probe"
)

const (
	CmdStatus = "status"
	CmdAbort  = "abort"
	CmdStart  = "start"
)

// Unit is an isolated execution unit reachable only by messages.
type Unit interface {
	// Post delivers a command. It does not wait for the command to run.
	Post(cmd string)
	// Replies carries serialized status snapshots.
	Replies() <-chan string
	// Close stops the unit and cancels any running test.
	Close()
}

// StartCommand builds the start command for a serialized configuration.
func StartCommand(settings []byte) string {
	return CmdStart + " " + string(settings)
}

// ParseCommand splits a command into its verb and payload.
func ParseCommand(cmd string) (verb, payload string) {
	verb, payload, _ = strings.Cut(cmd, " ")
	return verb, strings.TrimSpace(payload)
}

// Worker runs download, upload, ping/jitter and IP lookup phases over HTTP.
type Worker struct {
	client *http.Client
	prober *probe.Prober
	logger *slog.Logger

	cmds      chan string
	replies   chan string
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	status  models.StatusSnapshot
	cancel  context.CancelFunc
	started bool
}

// New starts a worker. The client must not have a request timeout, since
// transfers run for the configured phase duration.
func New(client *http.Client, logger *slog.Logger) *Worker {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		client:  client,
		prober:  probe.NewProber(client, logger),
		logger:  logger,
		cmds:    make(chan string, 8),
		replies: make(chan string, 8),
		closed:  make(chan struct{}),
		status:  models.StatusSnapshot{TestState: models.NotStarted},
	}
	go w.loop()
	return w
}

func (w *Worker) Post(cmd string) {
	select {
	case w.cmds <- cmd:
	case <-w.closed:
	}
}

func (w *Worker) Replies() <-chan string {
	return w.replies
}

func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.mu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		w.mu.Unlock()
	})
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.closed:
			return
		case cmd := <-w.cmds:
			w.handle(cmd)
		}
	}
}

func (w *Worker) handle(cmd string) {
	verb, payload := ParseCommand(cmd)
	switch verb {
	case CmdStatus:
		data, err := json.Marshal(w.snapshot())
		if err != nil {
			w.logger.Error("Failed to encode status", "error", err)
			return
		}
		select {
		case w.replies <- string(data):
		default:
			w.logger.Debug("Status reply dropped, reader is behind")
		}
	case CmdAbort:
		w.abort()
	case CmdStart:
		w.start(payload)
	default:
		w.logger.Warn("Unknown command", "cmd", verb)
	}
}

func (w *Worker) snapshot() models.StatusSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) update(fn func(s *models.StatusSnapshot)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
}

func (w *Worker) start(payload string) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Start ignored, test already started")
		return
	}
	w.started = true
	w.mu.Unlock()

	settings, err := ParseSettings(payload)
	if err != nil {
		w.logger.Error("Invalid start settings", "error", err)
		w.update(func(s *models.StatusSnapshot) { s.TestState = models.Aborted })
		return
	}
	if settings.TestID == "" {
		settings.TestID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.status = models.StatusSnapshot{TestState: models.Starting, TestID: settings.TestID}
	w.mu.Unlock()

	w.logger.Debug("Test started", "testId", settings.TestID, "order", settings.TestOrder)
	go w.run(ctx, cancel, settings)
}

func (w *Worker) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.TestState.Terminal() {
		return
	}
	if w.cancel != nil {
		w.cancel()
		return
	}
	// never started
	w.started = true
	w.status.TestState = models.Aborted
}

func (w *Worker) run(ctx context.Context, cancel context.CancelFunc, s Settings) {
	defer cancel()
	for _, step := range s.TestOrder {
		if ctx.Err() != nil {
			break
		}
		switch step {
		case 'I':
			w.lookupIP(ctx, s)
		case 'D':
			w.download(ctx, s)
		case 'P':
			w.pingJitter(ctx, s)
		case 'U':
			w.upload(ctx, s)
		case '_':
			pause(ctx, s.PauseDuration())
		}
	}

	w.update(func(st *models.StatusSnapshot) {
		if ctx.Err() != nil {
			st.TestState = models.Aborted
		} else {
			st.TestState = models.Finished
		}
	})
	w.logger.Debug("Test ended", "testId", s.TestID, "aborted", ctx.Err() != nil)
}
