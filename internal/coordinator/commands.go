package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/journal"
)

// Command is one writable field target for a device. Zone 0 addresses the
// device itself; zones 1 and 2 address heating zones on air-to-water
// units. OnResult, when set, is invoked exactly once with the command's
// final outcome: confirmed by a snapshot or expired unconfirmed.
type Command struct {
	DeviceID string
	Zone     int
	Field    string
	Value    any
	OnResult func(res CommandResult)
}

// CommandResult is the terminal outcome of an enqueued command.
type CommandResult struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	Zone      int    `json:"zone,omitempty"`
	Field     string `json:"field"`
	Target    any    `json:"target"`
	Status    string `json:"status"`
	// Err is nil when the command confirmed, ErrCommandExpired otherwise.
	Err error `json:"-"`
}

// pendingCommand tracks the newest unconfirmed target for one tuple.
// Supersession rewrites id, target and deadline in place; the tuple's
// write loop always picks up whatever is newest when its current
// transport call returns.
type pendingCommand struct {
	id         string
	deviceID   string
	zone       int
	field      string
	overlayKey string
	target     any
	createdAt  time.Time
	issuer     func(res CommandResult)
	needsWrite bool
}

// Enqueue validates a command, applies its target as the device's
// displayed value, journals it and schedules the transport write. At most
// one command is pending per (device, zone, field): a newer command for
// the same tuple supersedes the older one before its write is reissued.
//
// The returned ID identifies the command in the journal and in the
// CommandResult delivered to OnResult.
func (c *Coordinator) Enqueue(ctx context.Context, cmd Command) (string, error) {
	select {
	case <-c.done:
		return "", ErrShutdown
	default:
	}

	if cmd.DeviceID == "" {
		return "", fmt.Errorf("device id is required")
	}
	if cmd.Field == "" {
		return "", fmt.Errorf("field is required")
	}

	dev, err := c.registry.Get(cmd.DeviceID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, cmd.DeviceID)
	}

	value, err := device.ValidateTarget(dev, cmd.Zone, cmd.Field, cmd.Value)
	if err != nil {
		return "", err
	}

	overlayKey := cmd.Field
	if cmd.Zone != 0 {
		overlayKey = device.ZoneField(cmd.Zone, cmd.Field)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	tuple := cmd.DeviceID + "|" + overlayKey

	var supersededID string
	var supersededTarget any

	c.queueMu.Lock()
	if existing, ok := c.pending[tuple]; ok {
		supersededID = existing.id
		supersededTarget = existing.target
		existing.id = id
		existing.target = value
		existing.createdAt = now
		existing.issuer = cmd.OnResult
		existing.needsWrite = true
	} else {
		c.pending[tuple] = &pendingCommand{
			id:         id,
			deviceID:   cmd.DeviceID,
			zone:       cmd.Zone,
			field:      cmd.Field,
			overlayKey: overlayKey,
			target:     value,
			createdAt:  now,
			issuer:     cmd.OnResult,
			needsWrite: true,
		}
	}
	startWriter := !c.writers[tuple]
	if startWriter {
		if c.addWorker() {
			c.writers[tuple] = true
		} else {
			startWriter = false
		}
	}
	c.queueMu.Unlock()

	if startWriter {
		go c.runWriter(tuple)
	}

	if updated, err := c.registry.ApplyOptimistic(cmd.DeviceID, overlayKey, value); err == nil {
		c.hub.notify(updated)
		c.recordHistory(cmd.DeviceID, updated.DisplayedState(), device.StateHistorySourceCommand)
	}

	if supersededID != "" {
		c.journalTransition(ctx, supersededID, cmd.DeviceID, cmd.Zone, cmd.Field,
			supersededTarget, journal.StatusSuperseded, "superseded by "+id)
		c.logger.Debug("command superseded",
			"command_id", supersededID,
			"superseded_by", id,
			"device_id", cmd.DeviceID,
			"field", overlayKey)
	}
	c.journalTransition(ctx, id, cmd.DeviceID, cmd.Zone, cmd.Field,
		value, journal.StatusIssued, "")
	c.logger.Info("command enqueued",
		"command_id", id,
		"device_id", cmd.DeviceID,
		"field", overlayKey,
		"target", value)

	return id, nil
}

// SetVaneVertical enqueues a vertical vane position for an air-to-air
// unit: "auto", "1" (horizontal) through "5" (down), or "swing".
func (c *Coordinator) SetVaneVertical(ctx context.Context, deviceID, position string) (string, error) {
	return c.Enqueue(ctx, Command{
		DeviceID: deviceID,
		Field:    device.FieldVaneVertical,
		Value:    position,
	})
}

// SetVaneHorizontal enqueues a horizontal vane position for an air-to-air
// unit: "auto", "1" (leftmost) through "5" (rightmost), "split" or "swing".
func (c *Coordinator) SetVaneHorizontal(ctx context.Context, deviceID, position string) (string, error) {
	return c.Enqueue(ctx, Command{
		DeviceID: deviceID,
		Field:    device.FieldVaneHorizontal,
		Value:    position,
	})
}

// runWriter serializes transport writes for one tuple. Each pass writes
// the newest target; a command superseded while its write is in flight is
// picked up on the next pass, so targets reach the cloud in order and at
// most one write per tuple is ever outstanding.
func (c *Coordinator) runWriter(tuple string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			c.queueMu.Lock()
			delete(c.writers, tuple)
			c.queueMu.Unlock()
			return
		default:
		}

		c.queueMu.Lock()
		cmd, ok := c.pending[tuple]
		if !ok || !cmd.needsWrite {
			delete(c.writers, tuple)
			c.queueMu.Unlock()
			return
		}
		cmd.needsWrite = false
		id := cmd.id
		deviceID, zone, field := cmd.deviceID, cmd.zone, cmd.field
		target := cmd.target
		c.queueMu.Unlock()

		err := c.writeTarget(deviceID, zone, field, target)
		if err != nil {
			c.journalTransition(c.ctx, id, deviceID, zone, field,
				target, journal.StatusWriteFailed, err.Error())
			c.logger.Warn("command write failed",
				"command_id", id,
				"device_id", deviceID,
				"field", field,
				"error", err)
			continue
		}

		c.journalTransition(c.ctx, id, deviceID, zone, field,
			target, journal.StatusWritten, "")
		c.logger.Debug("command written",
			"command_id", id,
			"device_id", deviceID,
			"field", field)
		c.requestRefreshAsync()
	}
}

// writeTarget clones the device's last raw cloud state, stages the single
// changed field with its effective flag and posts it.
func (c *Coordinator) writeTarget(deviceID string, zone int, field string, target any) error {
	c.wireMu.RLock()
	base := c.wire[deviceID]
	c.wireMu.RUnlock()
	if base == nil {
		return fmt.Errorf("no cloud state cached for device %s", deviceID)
	}

	st := base.Clone()
	st.ResetEffectiveFlags()
	if err := device.Stage(st, zone, field, target); err != nil {
		return err
	}
	_, err := c.transport.SetDeviceState(c.ctx, st)
	return err
}

// resolution is one pending command leaving the queue, either confirmed
// by the snapshot or expired unconfirmed.
type resolution struct {
	id         string
	zone       int
	field      string
	overlayKey string
	target     any
	issuer     func(res CommandResult)
	expired    bool
}

// reconcileDevice resolves the device's pending commands against a fresh
// observation. A command whose tuple appears in the snapshot with the
// commanded value is confirmed; one older than the confirmation window is
// expired and its displayed value reverts to the snapshot. Reconciling
// the same snapshot again is a no-op: resolved commands have already left
// the queue.
//
// Returns the device copy after the last target was cleared (nil when
// nothing resolved) and whether any command expired.
func (c *Coordinator) reconcileDevice(obs device.Observation, now time.Time) (*device.Device, bool) {
	deviceID := obs.DeviceID()

	c.queueMu.Lock()
	var resolutions []resolution
	for tuple, cmd := range c.pending {
		if cmd.deviceID != deviceID {
			continue
		}
		confirmed := false
		if v, ok := obs.State[cmd.overlayKey]; ok && device.EqualValues(v, cmd.target) {
			confirmed = true
		}
		expired := !confirmed && now.Sub(cmd.createdAt) > c.commandTimeout
		if !confirmed && !expired {
			continue
		}
		delete(c.pending, tuple)
		resolutions = append(resolutions, resolution{
			id:         cmd.id,
			zone:       cmd.zone,
			field:      cmd.field,
			overlayKey: cmd.overlayKey,
			target:     cmd.target,
			issuer:     cmd.issuer,
			expired:    expired,
		})
	}
	c.queueMu.Unlock()

	if len(resolutions) == 0 {
		return nil, false
	}

	var latest *device.Device
	anyExpired := false
	for _, r := range resolutions {
		dev, _, err := c.registry.ClearTarget(deviceID, r.overlayKey)
		if err == nil {
			latest = dev
		}

		if r.expired {
			anyExpired = true
			detail := fmt.Sprintf("unconfirmed after %s", c.commandTimeout)
			c.journalTransition(c.ctx, r.id, deviceID, r.zone, r.field,
				r.target, journal.StatusExpired, detail)
			c.logger.Warn("command expired",
				"command_id", r.id,
				"device_id", deviceID,
				"field", r.overlayKey,
				"target", r.target)
			if dev != nil {
				c.recordHistory(deviceID, dev.State, device.StateHistorySourceExpiry)
			}
			c.deliverResult(CommandResult{
				CommandID: r.id,
				DeviceID:  deviceID,
				Zone:      r.zone,
				Field:     r.field,
				Target:    r.target,
				Status:    journal.StatusExpired,
				Err:       ErrCommandExpired,
			}, r.issuer)
			continue
		}

		c.journalTransition(c.ctx, r.id, deviceID, r.zone, r.field,
			r.target, journal.StatusConfirmed, "")
		c.logger.Info("command confirmed",
			"command_id", r.id,
			"device_id", deviceID,
			"field", r.overlayKey,
			"target", r.target)
		c.deliverResult(CommandResult{
			CommandID: r.id,
			DeviceID:  deviceID,
			Zone:      r.zone,
			Field:     r.field,
			Target:    r.target,
			Status:    journal.StatusConfirmed,
		}, r.issuer)
	}
	return latest, anyExpired
}

// deliverResult invokes the issuer's callback, then broadcasts to result
// listeners. A panicking issuer is isolated like any other subscriber.
func (c *Coordinator) deliverResult(res CommandResult, issuer func(res CommandResult)) {
	if issuer != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("command issuer callback panicked",
						"command_id", res.CommandID,
						"panic", r)
				}
			}()
			issuer(res)
		}()
	}
	c.hub.notifyResult(res)
}

func (c *Coordinator) journalTransition(ctx context.Context, commandID, deviceID string, zone int, field string, target any, status, detail string) {
	if c.journal == nil {
		return
	}
	entry := &journal.Entry{
		CommandID: commandID,
		DeviceID:  deviceID,
		Zone:      zone,
		Field:     field,
		Target:    target,
		Status:    status,
		Detail:    detail,
	}
	if err := c.journal.Record(ctx, entry); err != nil {
		c.logger.Warn("journal write failed",
			"command_id", commandID,
			"status", status,
			"error", err)
	}
}
