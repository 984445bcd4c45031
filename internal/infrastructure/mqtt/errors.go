package mqtt

import "errors"

// Errors returned by Client. Match with errors.Is.
var (
	ErrNotConnected     = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed = errors.New("mqtt: cannot reach broker")
	ErrPublishFailed    = errors.New("mqtt: publish rejected")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe rejected")
	ErrInvalidQoS       = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic     = errors.New("mqtt: empty topic")
)
