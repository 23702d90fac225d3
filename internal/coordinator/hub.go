package coordinator

import (
	"sync"

	"github.com/divers33/hass-melcloud-coordinator/internal/device"
)

// SubscriberFunc receives a deep copy of a device after its state,
// availability, or displayed value changed. Each subscriber gets its own
// copy, so callbacks may retain or mutate it freely.
type SubscriberFunc func(dev *device.Device)

// ResultFunc receives command lifecycle outcomes (confirmed or expired).
type ResultFunc func(res CommandResult)

// hub fans device and command notifications out to registered consumers.
// A panicking callback is recovered and logged so one broken consumer
// cannot abort a refresh cycle or starve the others.
type hub struct {
	mu       sync.RWMutex
	byDevice map[string]map[string]SubscriberFunc
	all      map[string]SubscriberFunc
	results  map[string]ResultFunc
	logger   Logger
}

func newHub(logger Logger) *hub {
	return &hub{
		byDevice: make(map[string]map[string]SubscriberFunc),
		all:      make(map[string]SubscriberFunc),
		results:  make(map[string]ResultFunc),
		logger:   logger,
	}
}

// Subscribe registers a callback for one device. Re-subscribing with the
// same subscriber ID replaces the previous callback.
func (c *Coordinator) Subscribe(deviceID, subscriberID string, fn SubscriberFunc) {
	if deviceID == "" || subscriberID == "" || fn == nil {
		return
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	subs, ok := c.hub.byDevice[deviceID]
	if !ok {
		subs = make(map[string]SubscriberFunc)
		c.hub.byDevice[deviceID] = subs
	}
	subs[subscriberID] = fn
}

// Unsubscribe removes a per-device subscription. Unknown IDs are a no-op.
func (c *Coordinator) Unsubscribe(deviceID, subscriberID string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	subs, ok := c.hub.byDevice[deviceID]
	if !ok {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(c.hub.byDevice, deviceID)
	}
}

// SubscribeAll registers a callback for every device the coordinator
// tracks, including ones discovered after the subscription was made.
func (c *Coordinator) SubscribeAll(subscriberID string, fn SubscriberFunc) {
	if subscriberID == "" || fn == nil {
		return
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.all[subscriberID] = fn
}

// UnsubscribeAll removes an all-devices subscription.
func (c *Coordinator) UnsubscribeAll(subscriberID string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	delete(c.hub.all, subscriberID)
}

// SubscribeResults registers a listener for command lifecycle outcomes.
// The command's own issuer callback is invoked regardless of listeners.
func (c *Coordinator) SubscribeResults(subscriberID string, fn ResultFunc) {
	if subscriberID == "" || fn == nil {
		return
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.results[subscriberID] = fn
}

// UnsubscribeResults removes a command result listener.
func (c *Coordinator) UnsubscribeResults(subscriberID string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	delete(c.hub.results, subscriberID)
}

// notify delivers a device to its per-device subscribers and to all-device
// subscribers. Callbacks run synchronously on the caller's goroutine.
func (h *hub) notify(dev *device.Device) {
	h.mu.RLock()
	funcs := make([]SubscriberFunc, 0, len(h.byDevice[dev.ID])+len(h.all))
	for _, fn := range h.byDevice[dev.ID] {
		funcs = append(funcs, fn)
	}
	for _, fn := range h.all {
		funcs = append(funcs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range funcs {
		h.invoke(fn, dev.DeepCopy())
	}
}

func (h *hub) invoke(fn SubscriberFunc, dev *device.Device) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber callback panicked",
				"device_id", dev.ID,
				"panic", r)
		}
	}()
	fn(dev)
}

// notifyResult broadcasts a command outcome to result listeners.
func (h *hub) notifyResult(res CommandResult) {
	h.mu.RLock()
	funcs := make([]ResultFunc, 0, len(h.results))
	for _, fn := range h.results {
		funcs = append(funcs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range funcs {
		h.invokeResult(fn, res)
	}
}

func (h *hub) invokeResult(fn ResultFunc, res CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("result callback panicked",
				"command_id", res.CommandID,
				"panic", r)
		}
	}()
	fn(res)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.all) + len(h.results)
	for _, subs := range h.byDevice {
		n += len(subs)
	}
	return n
}
