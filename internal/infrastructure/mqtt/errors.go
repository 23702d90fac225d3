package mqtt

import "errors"

// Sentinel errors for broker operations. Callers match with errors.Is.
var (
	// ErrNotConnected is returned for operations attempted without a
	// broker connection. Paho's auto-reconnect restores the session in
	// the background; callers usually drop the message and let the
	// next retained publish catch consumers up.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed wraps failures of the initial dial in Connect.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps broker rejections and publish timeouts.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps subscribe rejections and timeouts.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed wraps unsubscribe rejections and timeouts.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS rejects QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic rejects empty topics and, via ParseCommandTopic,
	// inbound topics that do not follow the command forms.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
