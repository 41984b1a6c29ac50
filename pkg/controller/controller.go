// Package controller drives a speed test: it owns the test configuration and
// the server catalog, picks a server, starts an execution unit and relays its
// progress to the caller.
//
// A Controller moves through the RunStates
//
//	Configuring -> AddingServers -> ServerSelected -> Running -> Done
//
// and reports every operation the current state forbids as an error wrapping
// ErrInvalidState. Multiple controllers may run side by side.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"speedtest-orchestrator/pkg/catalog"
	"speedtest-orchestrator/pkg/models"
	"speedtest-orchestrator/pkg/selector"
	"speedtest-orchestrator/pkg/worker"
)

// Configuration keys the controller writes or interprets.
const (
	KeyTelemetryExtra = "telemetry_extra"
	KeyMultiServer    = "mpot"
	KeyDownloadURL    = "url_dl"
	KeyUploadURL      = "url_ul"
	KeyPingURL        = "url_ping"
	KeyIPLookupURL    = "url_getIp"
)

const DefaultPollInterval = 200 * time.Millisecond

type Options struct {
	// NewUnit creates the execution unit of a run. Required.
	NewUnit func() worker.Unit
	// Selector ranks the catalog. Required for SelectBestServer.
	Selector *selector.Selector
	// Client fetches remote server lists.
	Client *http.Client
	// OriginScheme resolves protocol-relative server URLs. Default "https".
	OriginScheme string
	// PollInterval is the status poll period. Default 200ms.
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Controller struct {
	newUnit  func() worker.Unit
	selector *selector.Selector
	client   *http.Client
	poll     time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	state         models.RunState
	settings      map[string]any
	originalExtra any
	hasExtra      bool
	catalog       *catalog.Catalog
	selected      *models.ServerDefinition
	selectCalled  bool

	onUpdate func(models.StatusSnapshot)
	onEnd    func(aborted bool)

	unit worker.Unit
	run  *run
	last models.StatusSnapshot
}

// run holds the outcome of one Start.
type run struct {
	done    chan struct{}
	aborted bool
	last    models.StatusSnapshot
}

func New(opts Options) *Controller {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.OriginScheme == "" {
		opts.OriginScheme = "https"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		newUnit:  opts.NewUnit,
		selector: opts.Selector,
		client:   opts.Client,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
		state:    models.Configuring,
		settings: map[string]any{},
		catalog:  catalog.New(opts.OriginScheme),
	}
}

// OnUpdate sets the callback receiving every distinct snapshot of a run.
func (c *Controller) OnUpdate(fn func(models.StatusSnapshot)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// OnEnd sets the callback fired once at the end of each run.
func (c *Controller) OnEnd(fn func(aborted bool)) {
	c.mu.Lock()
	c.onEnd = fn
	c.mu.Unlock()
}

func (c *Controller) State() models.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Configure records a test parameter. The execution unit interprets it; the
// controller only reads telemetry_extra.
func (c *Controller) Configure(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == models.Running {
		return fmt.Errorf("cannot change the test settings: %w", ErrRunning)
	}
	c.settings[key] = value
	if key == KeyTelemetryExtra {
		c.originalExtra = value
		c.hasExtra = true
	}
	return nil
}

// Settings returns a copy of the current configuration.
func (c *Controller) Settings() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.settings))
	for k, v := range c.settings {
		out[k] = v
	}
	return out
}

// AddServer validates def, normalising its base URL, and registers it.
func (c *Controller) AddServer(def *models.ServerDefinition) error {
	if err := c.catalog.Validate(def); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.beginAdding(); err != nil {
		return err
	}
	return c.catalog.Add(def)
}

// AddServers adds each definition in order and stops at the first failure.
// Definitions before the failing one stay registered.
func (c *Controller) AddServers(list []*models.ServerDefinition) error {
	for i, def := range list {
		if err := c.AddServer(def); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
	}
	return nil
}

// beginAdding moves Configuring to AddingServers. Callers hold mu.
func (c *Controller) beginAdding() error {
	switch c.state {
	case models.Configuring:
		c.state = models.AddingServers
	case models.AddingServers:
	case models.Running:
		return fmt.Errorf("cannot add a server: %w", ErrRunning)
	default:
		return ErrAddAfterSelection
	}
	c.settings[KeyMultiServer] = true
	return nil
}

// LoadServerList fetches a JSON server list and registers it. Either every
// server of the list is added or none is; on failure the returned error
// wraps ErrServerListUnavailable and the cause.
func (c *Controller) LoadServerList(ctx context.Context, url string) ([]*models.ServerDefinition, error) {
	if err := c.checkCanAdd(); err != nil {
		return nil, err
	}
	list, err := catalog.Fetch(ctx, c.client, url)
	if err != nil {
		c.logger.Warn("Server list fetch failed", "url", url, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrServerListUnavailable, err)
	}
	return c.register(list, url)
}

// LoadServerFile is LoadServerList for a local JSON or YAML file.
func (c *Controller) LoadServerFile(path string) ([]*models.ServerDefinition, error) {
	if err := c.checkCanAdd(); err != nil {
		return nil, err
	}
	list, err := catalog.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServerListUnavailable, err)
	}
	return c.register(list, path)
}

func (c *Controller) checkCanAdd() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case models.Configuring, models.AddingServers:
		return nil
	case models.Running:
		return fmt.Errorf("cannot add a server: %w", ErrRunning)
	default:
		return ErrAddAfterSelection
	}
}

func (c *Controller) register(list []*models.ServerDefinition, source string) ([]*models.ServerDefinition, error) {
	if err := c.catalog.ValidateAll(list); err != nil {
		c.logger.Warn("Server list rejected", "source", source, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrServerListUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// the state may have moved while the list was loading
	if err := c.beginAdding(); err != nil {
		return nil, err
	}
	for _, def := range list {
		if err := c.catalog.Add(def); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrServerListUnavailable, err)
		}
	}
	c.logger.Debug("Server list loaded", "source", source, "servers", len(list))
	return list, nil
}

// Servers returns the registered servers in insertion order.
func (c *Controller) Servers() []*models.ServerDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog.Servers()
}

// SelectBestServer probes every registered server and selects the one with
// the lowest latency. It may run once per controller. When no server
// answers it returns nil and the state stays AddingServers.
func (c *Controller) SelectBestServer(ctx context.Context) (*models.ServerDefinition, error) {
	c.mu.Lock()
	switch c.state {
	case models.AddingServers:
	case models.Configuring:
		c.mu.Unlock()
		return nil, ErrNoServers
	case models.ServerSelected:
		c.mu.Unlock()
		return nil, ErrAlreadySelected
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot select a server: %w", ErrRunning)
	}
	if c.selectCalled {
		c.mu.Unlock()
		return nil, ErrSelectAlreadyCalled
	}
	if c.selector == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("no selector configured")
	}
	c.selectCalled = true
	servers := c.catalog.Servers()
	c.mu.Unlock()

	best := c.selector.Select(ctx, servers)
	if best == nil {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.AddingServers {
		// a server was set manually or a run began during selection
		return nil, fmt.Errorf("selection finished in state %s: %w", c.state, ErrInvalidState)
	}
	c.selected = best.Server
	c.state = models.ServerSelected
	return best.Server, nil
}

// SetSelectedServer selects def without probing.
func (c *Controller) SetSelectedServer(def *models.ServerDefinition) error {
	if err := c.catalog.Validate(def); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == models.Running {
		return fmt.Errorf("cannot select a server: %w", ErrRunning)
	}
	c.selected = def
	c.state = models.ServerSelected
	return nil
}

func (c *Controller) GetSelectedServer() (*models.ServerDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < models.ServerSelected || c.selected == nil {
		return nil, ErrNoServerSelected
	}
	return c.selected, nil
}

// Start launches a run and returns without waiting for it. With a selected
// server the endpoint URLs and telemetry_extra are derived from it first.
// Start is allowed again once a run is Done.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case models.Running:
		return fmt.Errorf("cannot start: %w", ErrRunning)
	case models.AddingServers:
		return ErrSelectionPending
	}
	if c.newUnit == nil {
		return fmt.Errorf("no execution unit configured")
	}

	if c.selected != nil {
		s := c.selected
		c.setDerived(KeyDownloadURL, s.DownloadURL())
		c.setDerived(KeyUploadURL, s.UploadURL())
		c.setDerived(KeyPingURL, s.PingURL())
		c.setDerived(KeyIPLookupURL, s.IPLookupURL())

		extra := map[string]any{"server": s.Name}
		if c.hasExtra {
			extra["extra"] = c.originalExtra
		}
		data, err := json.Marshal(extra)
		if err != nil {
			return fmt.Errorf("failed to encode telemetry extra: %w", err)
		}
		c.settings[KeyTelemetryExtra] = string(data)
	}

	payload, err := json.Marshal(c.settings)
	if err != nil {
		return fmt.Errorf("failed to encode test settings: %w", err)
	}

	unit := c.newUnit()
	r := &run{done: make(chan struct{})}
	p := &progress{
		unit:     unit,
		interval: c.poll,
		logger:   c.logger,
		onUpdate: c.onUpdate,
	}
	onEnd := c.onEnd
	p.end = func(last models.StatusSnapshot, aborted bool) {
		c.mu.Lock()
		c.state = models.Done
		r.aborted = aborted
		r.last = last
		c.last = last
		c.mu.Unlock()

		unit.Close()
		c.logger.Debug("Test ended", "aborted", aborted, "download_mbps", last.DlStatus, "upload_mbps", last.UlStatus)
		if onEnd != nil {
			func() {
				defer recoverCallback(c.logger, "onEnd")
				onEnd(aborted)
			}()
		}
		close(r.done)
	}

	c.state = models.Running
	c.unit = unit
	c.run = r
	unit.Post(worker.StartCommand(payload))
	go p.run()
	return nil
}

// Abort asks the running unit to stop. The run ends when the unit reports
// Aborted.
func (c *Controller) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state < models.Running:
		return ErrNotStarted
	case c.state == models.Done:
		return ErrNotRunning
	}
	c.unit.Post(worker.CmdAbort)
	return nil
}

// Wait blocks until the most recently started run has ended and its OnEnd
// callback has returned, and reports whether that run was aborted. A run
// started later, from OnEnd or elsewhere, does not change the result.
//
// Wait must not be called from OnEnd: it would wait for the callback it is
// running in.
func (c *Controller) Wait(ctx context.Context) (aborted bool, err error) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return false, ErrNotStarted
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.aborted, nil
}

// setDerived sets a server-derived key, dropping any configured key that
// differs from it only in case. Callers hold mu.
func (c *Controller) setDerived(key string, value any) {
	for k := range c.settings {
		if k != key && strings.EqualFold(k, key) {
			delete(c.settings, k)
		}
	}
	c.settings[key] = value
}

// Last returns the final snapshot of the most recent finished run. A run
// that is still going leaves it unchanged.
func (c *Controller) Last() models.StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
