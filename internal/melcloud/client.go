package melcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/config"
)

// Endpoint paths under the MELCloud base URL.
const (
	pathLogin       = "/Login/ClientLogin"
	pathListDevices = "/User/ListDevices"
	pathDeviceGet   = "/Device/Get"
	pathSetAta      = "/Device/SetAta"
	pathSetAtw      = "/Device/SetAtw"
)

const (
	userAgent = "melbridge"

	// defaultHTTPTimeout applies when the config carries no timeout.
	defaultHTTPTimeout = 30 * time.Second
)

// Logger defines the logging interface for the client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client talks to the MELCloud HTTP API.
//
// Authentication uses a context key obtained from Login and sent as the
// X-MitsContextKey header on every call. Keys expire server-side; when a
// call comes back 401 the client re-logs-in once and retries before
// surfacing ErrAuthFailed.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Token renewal is serialized
//     so concurrent 401s trigger a single re-login.
type Client struct {
	cfg        config.MELCloudConfig
	baseURL    string
	httpClient *http.Client
	logger     Logger

	// token is the current context key. Empty until Login succeeds.
	token   string
	tokenMu sync.RWMutex

	// loginMu serializes re-login attempts.
	loginMu sync.Mutex
}

// NewClient creates a MELCloud client from configuration.
//
// The client does not contact the cloud; call Login before issuing
// device operations.
//
// Returns an error when credentials or the base URL are missing.
func NewClient(cfg config.MELCloudConfig) (*Client, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("melcloud: email and password are required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("melcloud: base URL is required")
	}

	timeout := defaultHTTPTimeout
	if cfg.HTTPTimeout > 0 {
		timeout = time.Duration(cfg.HTTPTimeout) * time.Second
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     noopLogger{},
	}, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// Login authenticates with the configured credentials and stores the
// returned context key for subsequent calls.
//
// Returns:
//   - ErrAuthFailed (wrapped) when the cloud rejects the credentials
//   - ErrRateLimited, ErrNetwork, ErrMalformedResponse per failure class
func (c *Client) Login(ctx context.Context) error {
	body := loginRequest{
		Email:      c.cfg.Email,
		Password:   c.cfg.Password,
		Language:   c.cfg.Language,
		AppVersion: c.cfg.AppVersion,
		Persist:    true,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("melcloud: encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathLogin, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("melcloud: building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return newRateLimitError(resp.Header.Get("Retry-After"))
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: login returned status %d", ErrNetwork, resp.StatusCode)
	}

	var loginResp loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return fmt.Errorf("%w: decoding login response: %w", ErrMalformedResponse, err)
	}

	if loginResp.ErrorID != nil || loginResp.ErrorCode != nil {
		return fmt.Errorf("%w: error id %v, code %v", ErrAuthFailed, loginResp.ErrorID, loginResp.ErrorCode)
	}
	if loginResp.LoginData.ContextKey == "" {
		return fmt.Errorf("%w: login response missing context key", ErrMalformedResponse)
	}

	c.tokenMu.Lock()
	c.token = loginResp.LoginData.ContextKey
	c.tokenMu.Unlock()

	c.logger.Info("melcloud login succeeded", "email", c.cfg.Email)

	return nil
}

// ListDevices fetches every device visible to the account, flattened from
// the building/floor/area hierarchy and deduplicated by device ID.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	var buildings []Building
	if err := c.do(ctx, http.MethodGet, pathListDevices, nil, nil, &buildings); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var all []DeviceEntry
	visited := make(map[int64]struct{})
	add := func(entries []DeviceEntry) {
		for _, e := range entries {
			if _, seen := visited[e.DeviceID]; seen {
				continue
			}
			visited[e.DeviceID] = struct{}{}
			all = append(all, e)
		}
	}

	for _, b := range buildings {
		add(b.Structure.Devices)
		for _, area := range b.Structure.Areas {
			add(area.Devices)
		}
		for _, floor := range b.Structure.Floors {
			add(floor.Devices)
			for _, area := range floor.Areas {
				add(area.Devices)
			}
		}
	}

	return all, nil
}

// GetDeviceState fetches the current state of a single device.
//
// The cloud omits BuildingID from this response, so the caller's value is
// copied back in.
func (c *Client) GetDeviceState(ctx context.Context, deviceID, buildingID int64) (*DeviceState, error) {
	query := url.Values{}
	query.Set("id", strconv.FormatInt(deviceID, 10))
	query.Set("buildingID", strconv.FormatInt(buildingID, 10))

	var state DeviceState
	if err := c.do(ctx, http.MethodGet, pathDeviceGet, query, nil, &state); err != nil {
		return nil, fmt.Errorf("get device %d: %w", deviceID, err)
	}

	state.BuildingID = buildingID

	return &state, nil
}

// SetDeviceState posts a staged state to the family-specific set endpoint.
//
// The state must be a clone of a previously fetched snapshot with one or
// more Set* helpers applied; EffectiveFlags tells the cloud which fields
// changed. HasPendingCommand is forced on.
//
// The response is the cloud's view of the device with the command pending;
// confirmation only arrives on a later poll once the unit has reported in.
func (c *Client) SetDeviceState(ctx context.Context, state *DeviceState) (*DeviceState, error) {
	if state == nil {
		return nil, fmt.Errorf("melcloud: set requires a device state")
	}
	if state.EffectiveFlags == 0 {
		return nil, fmt.Errorf("melcloud: set requires effective flags")
	}

	var path string
	switch state.DeviceType {
	case DeviceTypeAta:
		path = pathSetAta
	case DeviceTypeAtw:
		path = pathSetAtw
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDeviceType, state.DeviceType)
	}

	body := state.Clone()
	body.HasPendingCommand = true

	var updated DeviceState
	if err := c.do(ctx, http.MethodPost, path, nil, body, &updated); err != nil {
		return nil, fmt.Errorf("set device %d: %w", state.DeviceID, err)
	}

	updated.BuildingID = state.BuildingID

	return &updated, nil
}

// do executes an authenticated request, re-logging-in once when the
// context key is rejected.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	rejected := c.currentToken()

	err := c.doOnce(ctx, method, path, query, body, out)
	if !errors.Is(err, errTokenRejected) {
		return err
	}

	c.logger.Debug("melcloud context key rejected, re-logging-in", "path", path)

	if err := c.relogin(ctx, rejected); err != nil {
		return err
	}

	err = c.doOnce(ctx, method, path, query, body, out)
	if errors.Is(err, errTokenRejected) {
		return fmt.Errorf("%w: context key rejected after re-login", ErrAuthFailed)
	}
	return err
}

// relogin performs a serialized re-login so concurrent rejected calls
// share one login round trip. rejected is the context key the caller saw
// fail; if it has already been replaced there is nothing to do.
func (c *Client) relogin(ctx context.Context, rejected string) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if current := c.currentToken(); current != "" && current != rejected {
		return nil
	}

	return c.Login(ctx)
}

// doOnce executes one authenticated request and maps the failure class.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("melcloud: encoding %s request: %w", path, err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("melcloud: building %s request: %w", path, err)
	}
	req.Header.Set("X-MitsContextKey", c.currentToken())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return errTokenRejected
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return newRateLimitError(resp.Header.Get("Retry-After"))
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s returned status %d", ErrNetwork, path, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", ErrMalformedResponse, path, err)
	}

	return nil
}

// currentToken returns the context key under the read lock.
func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}
