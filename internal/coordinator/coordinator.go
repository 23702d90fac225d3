// Package coordinator owns the refresh loop that keeps the device registry
// in sync with the MELCloud account. It deduplicates concurrent refresh
// requests into a single cloud fetch, schedules periodic polls with
// exponential backoff on failure, reconciles pending commands against each
// snapshot and fans change notifications out to subscribers.
//
//	                 ┌──────────────┐
//	 RequestRefresh ─┤              ├─ Transport (MELCloud HTTP)
//	 Enqueue ────────┤  Coordinator ├─ Registry (confirmed + displayed state)
//	 Subscribe ──────┤              ├─ Journal / History / Telemetry
//	                 └──────────────┘
//
// A failed cycle never applies a partial snapshot: either every device
// fetch succeeds and the whole snapshot is merged, or nothing changes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/journal"
	"github.com/divers33/hass-melcloud-coordinator/internal/melcloud"
)

// Logger defines the logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Transport is the cloud surface the coordinator polls and writes through.
// *melcloud.Client satisfies it; tests substitute a fake.
type Transport interface {
	ListDevices(ctx context.Context) ([]melcloud.DeviceEntry, error)
	GetDeviceState(ctx context.Context, deviceID, buildingID int64) (*melcloud.DeviceState, error)
	SetDeviceState(ctx context.Context, state *melcloud.DeviceState) (*melcloud.DeviceState, error)
}

// TelemetryWriter receives numeric field changes and poll cycle health
// for time series storage.
type TelemetryWriter interface {
	WriteDeviceMetric(deviceID, field string, value float64)
	WriteRefreshMetric(metric string, value float64)
}

// Options configures a Coordinator. Transport and Registry are required;
// Journal, History and Telemetry are optional sinks.
type Options struct {
	Transport Transport
	Registry  *device.Registry
	Journal   journal.Repository
	History   device.StateHistoryRepository
	Telemetry TelemetryWriter
	Logger    Logger

	// Interval is the periodic poll cadence, 1 to 60 minutes.
	Interval time.Duration

	// BackoffInitial is the delay after the first consecutive failure.
	// Defaults to one minute.
	BackoffInitial time.Duration

	// BackoffCeiling caps the failure backoff. Zero means cap at Interval.
	BackoffCeiling time.Duration

	// StaleAfter is how long a device may go without a successful fetch
	// before it is marked unavailable. Defaults to 3x Interval.
	StaleAfter time.Duration

	// CommandTimeout is how long a pending command waits for the cloud to
	// reflect its target before expiring. Defaults to 2x Interval.
	CommandTimeout time.Duration
}

// Metrics is a snapshot of coordinator counters.
type Metrics struct {
	CyclesTotal         uint64        `json:"cycles_total"`
	CyclesFailed        uint64        `json:"cycles_failed"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastCycleDuration   time.Duration `json:"last_cycle_duration"`
	PendingCommands     int           `json:"pending_commands"`
	Subscribers         int           `json:"subscribers"`
}

// refreshFlight is one in-progress fetch cycle. Every caller that requests
// a refresh while it runs attaches to the same flight and receives the
// same outcome.
type refreshFlight struct {
	done chan struct{}
	err  error
}

// Coordinator drives polling, command reconciliation and notification
// fan-out. Create with New, call Start for periodic polling, Close to
// tear down.
type Coordinator struct {
	transport Transport
	registry  *device.Registry
	journal   journal.Repository
	history   device.StateHistoryRepository
	telemetry TelemetryWriter
	logger    Logger
	hub       *hub

	interval       time.Duration
	backoffInitial time.Duration
	backoffCeiling time.Duration
	staleAfter     time.Duration
	commandTimeout time.Duration

	// flight is the current in-progress refresh, nil when idle.
	flightMu sync.Mutex
	flight   *refreshFlight

	// pending holds at most one command per (device, zone, field) tuple,
	// keyed by deviceID + "|" + overlay key. writers tracks which tuples
	// have an active write loop so transport writes never overlap.
	queueMu sync.Mutex
	pending map[string]*pendingCommand
	writers map[string]bool

	// wire caches the last raw cloud state per device. Writes clone it,
	// stage the changed field and post the result.
	wireMu sync.RWMutex
	wire   map[string]*melcloud.DeviceState

	statsMu sync.Mutex
	stats   Metrics

	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once

	lifeMu sync.Mutex
	closed bool
}

const (
	minInterval = 1 * time.Minute
	maxInterval = 60 * time.Minute
)

// New creates a Coordinator. The interval is validated, not clamped:
// out-of-range values are rejected so a misconfigured cadence fails loudly
// instead of silently polling at a different rate.
func New(opts Options) (*Coordinator, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Interval < minInterval || opts.Interval > maxInterval {
		return nil, fmt.Errorf("refresh interval %s out of range [%s, %s]",
			opts.Interval, minInterval, maxInterval)
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	backoffInitial := opts.BackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = time.Minute
	}
	backoffCeiling := opts.BackoffCeiling
	if backoffCeiling <= 0 {
		backoffCeiling = opts.Interval
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 3 * opts.Interval
	}
	commandTimeout := opts.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = 2 * opts.Interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		transport:      opts.Transport,
		registry:       opts.Registry,
		journal:        opts.Journal,
		history:        opts.History,
		telemetry:      opts.Telemetry,
		logger:         logger,
		hub:            newHub(logger),
		interval:       opts.Interval,
		backoffInitial: backoffInitial,
		backoffCeiling: backoffCeiling,
		staleAfter:     staleAfter,
		commandTimeout: commandTimeout,
		pending:        make(map[string]*pendingCommand),
		writers:        make(map[string]bool),
		wire:           make(map[string]*melcloud.DeviceState),
		ctx:            ctx,
		ctxCancel:      cancel,
		done:           make(chan struct{}),
	}, nil
}

// Start launches the periodic poll loop. The first cycle fires after one
// interval; callers that want an immediate snapshot call RequestRefresh.
func (c *Coordinator) Start() {
	if !c.addWorker() {
		return
	}
	go c.runPeriodic()
	c.logger.Info("coordinator started",
		"interval", c.interval.String(),
		"stale_after", c.staleAfter.String(),
		"command_timeout", c.commandTimeout.String())
}

// Close cancels any in-flight fetch, stops the poll loop and waits for all
// workers to exit. Further RequestRefresh and Enqueue calls return
// ErrShutdown. Safe to call more than once.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		c.lifeMu.Lock()
		c.closed = true
		c.lifeMu.Unlock()

		close(c.done)
		c.ctxCancel()
		c.wg.Wait()
		c.logger.Info("coordinator stopped")
	})
}

// addWorker registers a goroutine with the shutdown wait group. It fails
// once Close has begun, so no worker can start after wg.Wait.
func (c *Coordinator) addWorker() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// RequestRefresh fetches a fresh snapshot from the cloud and blocks until
// the cycle completes. Concurrent callers share a single cloud fetch: if a
// cycle is already in flight the caller attaches to it and receives its
// outcome. The cycle itself runs on the coordinator's context, so a caller
// cancelling its own ctx detaches without aborting the shared fetch.
func (c *Coordinator) RequestRefresh(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrShutdown
	default:
	}

	c.flightMu.Lock()
	flight := c.flight
	if flight == nil {
		if !c.addWorker() {
			c.flightMu.Unlock()
			return ErrShutdown
		}
		flight = &refreshFlight{done: make(chan struct{})}
		c.flight = flight
		go c.runFlight(flight)
	}
	c.flightMu.Unlock()

	select {
	case <-flight.done:
		return flight.err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrShutdown
	}
}

func (c *Coordinator) runFlight(f *refreshFlight) {
	defer c.wg.Done()
	f.err = c.runCycle(c.ctx)

	// Clear before closing so a caller arriving after the close starts a
	// fresh flight instead of attaching to a finished one.
	c.flightMu.Lock()
	c.flight = nil
	c.flightMu.Unlock()
	close(f.done)
}

// runPeriodic drives the poll cadence. The timer is reset after each cycle
// completes, so the interval measures gap between cycles rather than a
// fixed wall clock grid, and a slow fetch can never overlap the next one.
func (c *Coordinator) runPeriodic() {
	defer c.wg.Done()

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
		}

		err := c.RequestRefresh(c.ctx)
		switch {
		case err == nil:
			if failures > 0 {
				c.logger.Info("refresh recovered", "after_failures", failures)
			}
			failures = 0
			c.setConsecutiveFailures(0)
			timer.Reset(c.interval)
		case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
			return
		default:
			failures++
			c.setConsecutiveFailures(failures)
			delay := c.backoffDelay(failures)
			var rle *melcloud.RateLimitError
			if errors.As(err, &rle) && rle.RetryAfter > delay {
				delay = rle.RetryAfter
			}
			if errors.Is(err, melcloud.ErrAuthFailed) {
				c.logger.Error("refresh rejected: authentication failed",
					"consecutive_failures", failures,
					"retry_in", delay.String())
			} else {
				c.logger.Warn("refresh failed",
					"error", err,
					"consecutive_failures", failures,
					"retry_in", delay.String())
			}
			timer.Reset(delay)
		}
	}
}

// backoffDelay returns the retry delay after n consecutive failures:
// the initial delay doubled per failure, capped at the ceiling.
func (c *Coordinator) backoffDelay(failures int) time.Duration {
	delay := c.backoffInitial
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= c.backoffCeiling {
			return c.backoffCeiling
		}
	}
	if delay > c.backoffCeiling {
		return c.backoffCeiling
	}
	return delay
}

func (c *Coordinator) setConsecutiveFailures(n int) {
	c.statsMu.Lock()
	c.stats.ConsecutiveFailures = n
	c.statsMu.Unlock()
}

// runCycle performs one full fetch cycle and the staleness sweep. The
// sweep runs whether or not the fetch succeeded: devices age out of
// availability when the cloud has been unreachable long enough.
func (c *Coordinator) runCycle(ctx context.Context) error {
	started := time.Now()
	err := c.fetchAndMerge(ctx)
	c.sweepStale(time.Now().UTC())
	elapsed := time.Since(started)

	c.statsMu.Lock()
	c.stats.CyclesTotal++
	c.stats.LastCycleDuration = elapsed
	if err != nil {
		c.stats.CyclesFailed++
	} else {
		c.stats.LastSuccess = time.Now().UTC()
	}
	c.statsMu.Unlock()

	if c.telemetry != nil {
		outcome := 1.0
		if err != nil {
			outcome = 0
		}
		c.telemetry.WriteRefreshMetric("duration_ms", float64(elapsed.Milliseconds()))
		c.telemetry.WriteRefreshMetric("success", outcome)
	}
	return err
}

// fetchAndMerge lists the account's devices, fetches every state payload
// and only then applies the snapshot. Any fetch error aborts before the
// first mutation, so a failed cycle leaves all confirmed state, displayed
// state and pending commands exactly as they were.
func (c *Coordinator) fetchAndMerge(ctx context.Context) error {
	entries, err := c.transport.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	now := time.Now().UTC()
	observations := make([]device.Observation, 0, len(entries))
	wires := make(map[string]*melcloud.DeviceState, len(entries))
	for _, entry := range entries {
		state, err := c.transport.GetDeviceState(ctx, entry.DeviceID, entry.BuildingID)
		if err != nil {
			return fmt.Errorf("fetching device %d: %w", entry.DeviceID, err)
		}
		obs, err := device.Normalize(entry, state, now)
		if err != nil {
			c.logger.Warn("skipping device",
				"device_id", entry.DeviceID,
				"name", entry.DeviceName,
				"error", err)
			continue
		}
		observations = append(observations, obs)
		wires[obs.DeviceID()] = state
	}

	c.wireMu.Lock()
	for id, st := range wires {
		c.wire[id] = st
	}
	c.wireMu.Unlock()

	for _, obs := range observations {
		dev, changes := c.registry.ApplyConfirmed(obs)
		reverted, expired := c.reconcileDevice(obs, now)
		if reverted != nil {
			dev = reverted
		}

		if changes.HasChanges() {
			c.logger.Debug("device changed",
				"device_id", dev.ID,
				"fields", len(changes.Fields),
				"created", changes.Created,
				"recovered", changes.BecameAvailable)
			c.recordHistory(dev.ID, dev.State, device.StateHistorySourceRefresh)
			c.writeTelemetry(dev.ID, changes)
		}
		if changes.HasChanges() || expired {
			c.hub.notify(dev)
		}
	}

	c.logger.Debug("refresh cycle applied",
		"devices", len(observations),
		"duration", time.Since(now).String())
	return nil
}

// sweepStale marks devices unavailable when their last successful fetch is
// older than the staleness threshold, and notifies subscribers of each
// transition. Devices are never removed.
func (c *Coordinator) sweepStale(now time.Time) {
	transitioned := c.registry.MarkStaleBefore(now.Add(-c.staleAfter))
	for _, dev := range transitioned {
		c.logger.Warn("device stale",
			"device_id", dev.ID,
			"name", dev.Name,
			"last_seen", dev.LastSeen.Format(time.RFC3339))
		c.hub.notify(dev)
	}
}

func (c *Coordinator) recordHistory(deviceID string, state device.State, source string) {
	if c.history == nil {
		return
	}
	if err := c.history.RecordStateChange(c.ctx, deviceID, state, source); err != nil {
		c.logger.Warn("state history write failed",
			"device_id", deviceID,
			"error", err)
	}
}

func (c *Coordinator) writeTelemetry(deviceID string, changes device.ChangeSet) {
	if c.telemetry == nil {
		return
	}
	for _, fc := range changes.Fields {
		if v, ok := fc.Current.(float64); ok {
			c.telemetry.WriteDeviceMetric(deviceID, fc.Field, v)
		}
	}
}

// requestRefreshAsync triggers a refresh without blocking the caller,
// used after a command write so the next snapshot confirms it promptly.
func (c *Coordinator) requestRefreshAsync() {
	if !c.addWorker() {
		return
	}
	go func() {
		defer c.wg.Done()
		err := c.RequestRefresh(c.ctx)
		if err != nil && !errors.Is(err, ErrShutdown) && !errors.Is(err, context.Canceled) {
			c.logger.Debug("follow-up refresh failed", "error", err)
		}
	}()
}

// Metrics returns a snapshot of coordinator counters.
func (c *Coordinator) Metrics() Metrics {
	c.statsMu.Lock()
	m := c.stats
	c.statsMu.Unlock()

	c.queueMu.Lock()
	m.PendingCommands = len(c.pending)
	c.queueMu.Unlock()

	m.Subscribers = c.hub.count()
	return m
}
