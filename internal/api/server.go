package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/coordinator"
	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/config"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/database"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/logging"
	"github.com/divers33/hass-melcloud-coordinator/internal/journal"
)

// In-flight requests get this long to finish once Close is called.
const gracefulShutdownTimeout = 10 * time.Second

// hubSubscriberID identifies the server's coordinator subscriptions so
// Close() can detach them.
const hubSubscriberID = "api"

// Coordinator is the coordinator surface the API drives. Writes go through
// Enqueue and the vane helpers, reads come from the registry, and the
// WebSocket hub is fed by the subscription methods.
type Coordinator interface {
	Enqueue(ctx context.Context, cmd coordinator.Command) (string, error)
	RequestRefresh(ctx context.Context) error
	SetVaneVertical(ctx context.Context, deviceID, position string) (string, error)
	SetVaneHorizontal(ctx context.Context, deviceID, position string) (string, error)
	Metrics() coordinator.Metrics
	SubscribeAll(subscriberID string, fn coordinator.SubscriberFunc)
	UnsubscribeAll(subscriberID string)
	SubscribeResults(subscriberID string, fn coordinator.ResultFunc)
	UnsubscribeResults(subscriberID string)
}

// BrokerStatus reports MQTT connectivity for the metrics endpoint. The
// concrete mqtt client satisfies it; nil means MQTT is not configured.
type BrokerStatus interface {
	IsConnected() bool
}

// Deps wires the server to the rest of the daemon.
//
// Journal, History, DB and MQTT are optional. Endpoints backed by a missing
// dependency return empty results, and the metrics response omits the
// matching section.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Logger      *logging.Logger
	Registry    *device.Registry
	Coordinator Coordinator
	Journal     journal.Repository
	History     device.StateHistoryRepository
	DB          *database.DB
	MQTT        BrokerStatus
	Version     string
}

// Server is the local HTTP API: REST endpoints over the registry and
// command queue plus the WebSocket event stream. Create with New,
// start with Start, stop with Close.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	registry    *device.Registry
	coordinator Coordinator
	journal     journal.Repository
	history     device.StateHistoryRepository
	db          *database.DB
	mqtt        BrokerStatus
	version     string

	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
	startTime time.Time

	// availMu guards lastAvail, the per-device availability snapshot used
	// to emit availability events only on transitions.
	availMu   sync.Mutex
	lastAvail map[string]bool
}

// New validates deps and builds a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}

	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		registry:    deps.Registry,
		coordinator: deps.Coordinator,
		journal:     deps.Journal,
		history:     deps.History,
		db:          deps.DB,
		mqtt:        deps.MQTT,
		version:     deps.Version,
		lastAvail:   make(map[string]bool),
	}, nil
}

// Start wires the WebSocket hub to the coordinator's subscriptions and
// launches the HTTP listener in the background. The listener outlives
// ctx; only Close stops it.
func (s *Server) Start(ctx context.Context) error {
	// Derived context so Close can stop the hub without waiting for the
	// caller's ctx.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.startTime = time.Now()

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Coordinator events drive the WebSocket channels.
	s.coordinator.SubscribeAll(hubSubscriberID, s.onDeviceUpdate)
	s.coordinator.SubscribeResults(hubSubscriberID, s.onCommandResult)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close detaches from the coordinator, stops the hub, and gives
// in-flight requests gracefulShutdownTimeout to finish before the
// listener is torn down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	s.coordinator.UnsubscribeAll(hubSubscriberID)
	s.coordinator.UnsubscribeResults(hubSubscriberID)

	// Cancel background goroutines (hub).
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// onDeviceUpdate relays coordinator device notifications to WebSocket
// clients. Every notification becomes a device.state_changed event;
// availability flips (and first sightings) additionally produce a
// device.availability_changed event.
func (s *Server) onDeviceUpdate(dev *device.Device) {
	if s.hub == nil {
		return
	}

	s.availMu.Lock()
	prev, seen := s.lastAvail[dev.ID]
	s.lastAvail[dev.ID] = dev.Available
	s.availMu.Unlock()

	if !seen || prev != dev.Available {
		s.hub.Broadcast(ChannelAvailabilityChanged, map[string]any{
			"device_id": dev.ID,
			"available": dev.Available,
		})
	}

	s.hub.Broadcast(ChannelStateChanged, map[string]any{
		"device_id":        dev.ID,
		"name":             dev.Name,
		"family":           dev.Family,
		"available":        dev.Available,
		"state":            dev.DisplayedState(),
		"state_updated_at": dev.StateUpdatedAt,
	})
}

// onCommandResult relays terminal command outcomes to WebSocket clients on
// the command.confirmed / command.expired channels.
func (s *Server) onCommandResult(res coordinator.CommandResult) {
	if s.hub == nil {
		return
	}

	payload := map[string]any{
		"command_id": res.CommandID,
		"device_id":  res.DeviceID,
		"field":      res.Field,
		"target":     res.Target,
		"status":     res.Status,
	}
	if res.Zone > 0 {
		payload["zone"] = res.Zone
	}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}

	s.hub.Broadcast("command."+res.Status, payload)
}
