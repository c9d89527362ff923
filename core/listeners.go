package core

import (
	"pkt.systems/termlink/internal/eventbus"
	"pkt.systems/termlink/schema"
)

// EnsureListeners subscribes the coordinator to every topic on reg once.
// Later calls are no-ops while the subscriptions are held.
func (c *Coordinator) EnsureListeners(reg *eventbus.Registry) error {
	c.mu.Lock()
	if c.closed || len(c.unsubscribe) > 0 {
		c.unlock()
		return nil
	}
	c.unlock()

	var subscribed []func()
	for _, topic := range schema.Topics() {
		unsubscribe, err := reg.Subscribe(topic, c.HandleEvent)
		if err != nil {
			for _, fn := range subscribed {
				fn()
			}
			return err
		}
		subscribed = append(subscribed, unsubscribe)
	}

	c.mu.Lock()
	if c.closed || len(c.unsubscribe) > 0 {
		c.unlock()
		for _, fn := range subscribed {
			fn()
		}
		return nil
	}
	c.unsubscribe = subscribed
	c.unlock()
	c.log.Debug("terminal listeners registered", "topics", len(subscribed))
	return nil
}

// StopListening drops the subscriptions made by EnsureListeners.
func (c *Coordinator) StopListening() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.unlock()
	for _, fn := range unsubscribe {
		fn()
	}
}
