package mqtt

import "fmt"

// maxPayloadSize caps outbound payloads at 1MB, in line with common
// broker limits.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and blocks until the broker acks or
// publishTimeout passes.
//
// Retained should be true for state-shaped topics (device snapshots,
// availability, bridge status) so a restarting Home Assistant sees
// current values immediately, and false for command results and
// events, which describe moments rather than state.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds %d bytes",
			ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
