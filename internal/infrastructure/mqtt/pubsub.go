package mqtt

import "fmt"

// maxPayloadSize caps a single publish. Lock and health payloads are a few
// hundred bytes; anything near this is a bug upstream.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker to accept it.
// Lock state and health go out retained at QoS 1; acks and discovery
// announcements are not retained.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d byte payload on %s", ErrPublishFailed, len(payload), topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: no ack after %v", ErrPublishFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe routes messages on topic to handler and remembers the
// subscription so it is replayed after every reconnect. A failed subscribe
// is forgotten.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	var err error
	if !token.WaitTimeout(defaultPublishTimeout) {
		err = fmt.Errorf("%w: %s: no ack after %v", ErrSubscribeFailed, topic, defaultPublishTimeout)
	} else if token.Error() != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, token.Error())
	}
	if err == nil {
		return nil
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
	return err
}

func validate(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
