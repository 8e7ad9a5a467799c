package mqtt

import (
	"errors"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Use errors.Is to check for these in calling code.
var (
	// ErrNotConnected is returned when an operation needs a live session and there is none.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when a connect attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionAborted is returned when a manual disconnect or a newer
	// connect superseded an attempt that was still in flight.
	ErrConnectionAborted = errors.New("mqtt: connection attempt superseded")

	// ErrInvalidConfig is returned when the broker configuration cannot be used.
	ErrInvalidConfig = errors.New("mqtt: invalid broker configuration")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for QoS levels other than 0, 1 or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")
)

// brokerRefusals are CONNACK results that retrying with the same
// configuration cannot fix.
var brokerRefusals = []error{
	packets.ErrorRefusedBadProtocolVersion,
	packets.ErrorRefusedIDRejected,
	packets.ErrorRefusedBadUsernameOrPassword,
	packets.ErrorRefusedNotAuthorised,
	packets.ErrorProtocolViolation,
}

// IsBrokerRefusal reports whether err is a protocol-level rejection by the broker.
func IsBrokerRefusal(err error) bool {
	for _, refusal := range brokerRefusals {
		if errors.Is(err, refusal) {
			return true
		}
	}
	return false
}
