package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"speedtest-orchestrator/pkg/controller"
	"speedtest-orchestrator/pkg/models"
	"speedtest-orchestrator/pkg/selector"
	"speedtest-orchestrator/pkg/worker"
	"speedtest-orchestrator/pkg/worker/workertest"
)

type latencyProber map[string]float64

func (l latencyProber) ProbeServerBest(ctx context.Context, c *models.Candidate) float64 {
	t, ok := l[c.Server.Name]
	if !ok {
		t = models.Unreachable
	}
	c.BestLatencyMs = t
	return t
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startServer(t *testing.T, unit *workertest.Scripted, latency latencyProber) *websocket.Conn {
	t.Helper()
	s := NewServer(func() *controller.Controller {
		return controller.New(controller.Options{
			NewUnit:      func() worker.Unit { return unit },
			Selector:     selector.New(latency, 6, nil),
			PollInterval: 10 * time.Millisecond,
		})
	}, map[string]any{"test_order": "IDPU"}, nil)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/run"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return f
}

func def(name string) *models.ServerDefinition {
	return &models.ServerDefinition{
		Name:         name,
		BaseURL:      "https://" + name + ".example.com/",
		DownloadPath: "garbage.php",
		UploadPath:   "empty.php",
		PingPath:     "empty.php",
		IPLookupPath: "getIP.php",
	}
}

func TestRunWithSelection(t *testing.T) {
	unit := workertest.NewScripted(
		models.StatusSnapshot{TestState: models.Download, DlStatus: 5},
		models.StatusSnapshot{TestState: models.Finished, DlStatus: 50, UlStatus: 20},
	)
	conn := startServer(t, unit, latencyProber{"near": 10, "far": 80})

	req := Request{
		Parameters: map[string]any{"time_dl_max": 1},
		Servers:    []*models.ServerDefinition{def("far"), def("near")},
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != TypeSelected {
		t.Fatalf("first frame = %s %s, want %s", f.Type, f.Payload, TypeSelected)
	}
	var sel SelectedPayload
	if err := json.Unmarshal(f.Payload, &sel); err != nil || sel.Server.Name != "near" {
		t.Fatalf("selected = %s, want near", f.Payload)
	}

	var updates int
	for {
		f = readFrame(t, conn)
		if f.Type != TypeUpdate {
			break
		}
		updates++
	}
	if f.Type != TypeEnd {
		t.Fatalf("frame = %s %s, want %s", f.Type, f.Payload, TypeEnd)
	}
	if updates != 2 {
		t.Errorf("got %d updates, want 2", updates)
	}
	var end EndPayload
	if err := json.Unmarshal(f.Payload, &end); err != nil {
		t.Fatalf("invalid end payload: %v", err)
	}
	if end.Aborted || end.Result.DlStatus != 50 || end.Result.UlStatus != 20 {
		t.Errorf("end = %+v", end)
	}

	settings, ok := unit.StartSettings()
	if !ok {
		t.Fatal("unit was not started")
	}
	if settings["test_order"] != "IDPU" || settings["time_dl_max"] != float64(1) {
		t.Errorf("start settings = %v", settings)
	}
	if settings["url_dl"] != "https://near.example.com/garbage.php" {
		t.Errorf("url_dl = %v", settings["url_dl"])
	}
}

func TestAbortMessage(t *testing.T) {
	unit := workertest.NewScripted(models.StatusSnapshot{TestState: models.Download})
	conn := startServer(t, unit, nil)

	if err := conn.WriteJSON(Request{}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if f := readFrame(t, conn); f.Type != TypeUpdate {
		t.Fatalf("frame = %s, want %s", f.Type, TypeUpdate)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("abort")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	var f frame
	for f = readFrame(t, conn); f.Type == TypeUpdate; f = readFrame(t, conn) {
	}
	if f.Type != TypeEnd {
		t.Fatalf("frame = %s, want %s", f.Type, TypeEnd)
	}
	var end EndPayload
	json.Unmarshal(f.Payload, &end)
	if !end.Aborted {
		t.Error("end.Aborted = false, want true")
	}
}

func TestDisconnectAborts(t *testing.T) {
	unit := workertest.NewScripted(models.StatusSnapshot{TestState: models.Download})
	conn := startServer(t, unit, nil)

	if err := conn.WriteJSON(Request{}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readFrame(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for unit.Count(worker.CmdAbort) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("test not aborted after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		message string
		latency latencyProber
	}{
		{name: "Malformed request", message: "{not json"},
		{name: "Invalid server", message: `{"servers":[{"name":"x"}]}`},
		{name: "No reachable server", message: `{"servers":[{"name":"a","server":"https://a/","dlURL":"d","ulURL":"u","pingURL":"p","getIpURL":"g"}]}`, latency: latencyProber{}},
		{name: "Server list path", message: `{"server_list":"/etc/passwd"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := startServer(t, workertest.NewScripted(), tt.latency)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.message)); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}
			if f := readFrame(t, conn); f.Type != TypeError {
				t.Errorf("frame = %s %s, want %s", f.Type, f.Payload, TypeError)
			}
		})
	}
}
