package mqtt

import "fmt"

// validate checks the arguments shared by Publish and Subscribe.
func validate(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// Subscribe routes messages matching topic (which may contain + and #
// wildcards) to handler. The route is remembered and replayed after every
// reconnect; a failed subscribe is not remembered.
//
//	err := client.Subscribe(mqtt.Topics{}.AllSets(), 1, func(topic string, payload []byte) error {
//	    id, _ := mqtt.Topics{}.IdentifierFromTopic(topic)
//	    return handleSet(id, payload)
//	})
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()

	if err := await(c.paho.Subscribe(topic, qos, c.wrapHandler(handler)), ErrSubscribeFailed, opTimeout); err != nil {
		c.dropRoute(topic)
		return err
	}
	return nil
}

// Unsubscribe removes the route for the exact topic pattern. Messages
// already in flight may still reach the old handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.dropRoute(topic)
	return await(c.paho.Unsubscribe(topic), ErrUnsubscribeFailed, opTimeout)
}

// SubscriptionCount returns how many routes will be replayed on reconnect.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}

// HasSubscription reports whether topic (compared literally) is routed.
func (c *Client) HasSubscription(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.routes[topic]
	return ok
}

func (c *Client) dropRoute(topic string) {
	c.mu.Lock()
	delete(c.routes, topic)
	c.mu.Unlock()
}
