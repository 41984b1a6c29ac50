// Package stream runs speed tests on behalf of websocket clients and streams
// their progress back.
//
// A client opens /ws/run and sends one JSON Request. The server answers with
// Message frames: "selected" once a server is chosen, "update" for each
// distinct snapshot, then one "end" (or "error"). A text message "abort"
// aborts the test; closing the connection does the same.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"speedtest-orchestrator/pkg/controller"
	"speedtest-orchestrator/pkg/models"
)

const (
	TypeSelected = "selected"
	TypeUpdate   = "update"
	TypeEnd      = "end"
	TypeError    = "error"

	abortCommand = "abort"
)

// Request is the first message of a client.
type Request struct {
	Parameters map[string]any             `json:"parameters"`
	ServerList string                     `json:"server_list"`
	Servers    []*models.ServerDefinition `json:"servers"`
}

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type SelectedPayload struct {
	Server *models.ServerDefinition `json:"server"`
}

type EndPayload struct {
	Aborted bool                  `json:"aborted"`
	Result  models.StatusSnapshot `json:"result"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type Server struct {
	newController func() *controller.Controller
	defaults      map[string]any
	logger        *slog.Logger

	// abortTimeout bounds the wait for a unit to acknowledge an abort after
	// the client went away.
	abortTimeout time.Duration
}

// NewServer serves runs on controllers built by newController. defaults are
// configured before the client's own parameters.
func NewServer(newController func() *controller.Controller, defaults map[string]any, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		newController: newController,
		defaults:      defaults,
		logger:        logger,
		abortTimeout:  10 * time.Second,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/run", s.handleRun)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	out := newWriter(conn, s.logger)
	defer out.close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("WebSocket read for request failed", "error", err)
		return
	}
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		out.send(TypeError, fmt.Sprintf("invalid request: %v", err))
		return
	}

	// cancelled when the client disconnects
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := s.newController()
	if err := s.prepare(ctx, c, req, out); err != nil {
		out.send(TypeError, err.Error())
		return
	}

	c.OnUpdate(func(snap models.StatusSnapshot) {
		out.send(TypeUpdate, snap)
	})
	if err := c.Start(); err != nil {
		out.send(TypeError, err.Error())
		return
	}

	go func() {
		defer cancel()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				s.logger.Debug("Client disconnected", "error", err)
				return
			}
			if kind == websocket.TextMessage && strings.TrimSpace(string(data)) == abortCommand {
				if err := c.Abort(); err != nil {
					s.logger.Debug("Abort ignored", "error", err)
				}
			}
		}
	}()

	aborted, err := c.Wait(ctx)
	if err != nil {
		// client went away mid-run
		if abortErr := c.Abort(); abortErr != nil && !errors.Is(abortErr, controller.ErrNotRunning) {
			s.logger.Warn("Failed to abort test", "error", abortErr)
		}
		waitCtx, waitCancel := context.WithTimeout(context.Background(), s.abortTimeout)
		defer waitCancel()
		if aborted, err = c.Wait(waitCtx); err != nil {
			s.logger.Error("Test did not stop after abort", "error", err)
			return
		}
	}

	last := c.Last()
	s.logger.Info("Test finished", "aborted", aborted, "download_mbps", last.DlStatus, "upload_mbps", last.UlStatus, "ping_ms", last.PingStatus)
	out.send(TypeEnd, EndPayload{Aborted: aborted, Result: last})
}

// prepare configures c and, when the request names servers, selects one.
func (s *Server) prepare(ctx context.Context, c *controller.Controller, req Request, out *writer) error {
	for k, v := range s.defaults {
		if err := c.Configure(k, v); err != nil {
			return err
		}
	}
	for k, v := range req.Parameters {
		if err := c.Configure(k, v); err != nil {
			return err
		}
	}

	if len(req.Servers) == 0 && req.ServerList == "" {
		return nil
	}
	if err := c.AddServers(req.Servers); err != nil {
		return err
	}
	if req.ServerList != "" {
		if !strings.HasPrefix(req.ServerList, "http://") && !strings.HasPrefix(req.ServerList, "https://") {
			return fmt.Errorf("server_list must be an http(s) URL")
		}
		if _, err := c.LoadServerList(ctx, req.ServerList); err != nil {
			return err
		}
	}

	best, err := c.SelectBestServer(ctx)
	if err != nil {
		return err
	}
	if best == nil {
		return fmt.Errorf("no reachable server among %d", len(c.Servers()))
	}
	out.send(TypeSelected, SelectedPayload{Server: best})
	return nil
}

// writer is the only goroutine writing to the connection.
type writer struct {
	ch   chan Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWriter(conn *websocket.Conn, logger *slog.Logger) *writer {
	w := &writer{
		ch:   make(chan Message, 64),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		failed := false
		for msg := range w.ch {
			if failed {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("WebSocket write error", "error", err)
				failed = true
			}
		}
	}()
	return w
}

func (w *writer) send(kind string, payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.ch <- Message{Type: kind, Payload: payload}
}

// close flushes pending messages.
func (w *writer) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
}
