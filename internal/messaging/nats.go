// Package messaging provides a NATS client wrapper for pub/sub messaging
// between backend instances: per-conversation message relay, per-user
// presence relay, and the push-notification feed consumed by the notifier
// service.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectConversation = "conv"        // + .<conversation_id>
	SubjectPresence     = "presence"    // + .<user_id>
	SubjectNotify       = "notify.push" // push events for offline receivers

	// NotifyQueue is the queue group for notifier instances, so each push
	// event is handled by exactly one of them.
	NotifyQueue = "notifiers"
)

// Client wraps the NATS connection with helper methods for the backend's
// subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "courier",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishConversation publishes data to the conv.<conversationID> subject.
func (c *Client) PublishConversation(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectConversation+"."+conversationID, data)
}

// SubscribeConversation subscribes to a conversation's relay subject.
func (c *Client) SubscribeConversation(conversationID string, handler func(data []byte)) error {
	return c.subscribe(SubjectConversation+"."+conversationID, handler)
}

// UnsubscribeConversation drops the subscription for a conversation.
func (c *Client) UnsubscribeConversation(conversationID string) error {
	return c.unsubscribe(SubjectConversation + "." + conversationID)
}

// PublishPresence publishes data to the presence.<userID> subject.
func (c *Client) PublishPresence(userID string, data []byte) error {
	return c.conn.Publish(SubjectPresence+"."+userID, data)
}

// SubscribePresence subscribes to a user's presence relay subject.
func (c *Client) SubscribePresence(userID string, handler func(data []byte)) error {
	return c.subscribe(SubjectPresence+"."+userID, handler)
}

// UnsubscribePresence drops the subscription for a user's presence.
func (c *Client) UnsubscribePresence(userID string) error {
	return c.unsubscribe(SubjectPresence + "." + userID)
}

// PublishNotify publishes a push event for the notifier service.
func (c *Client) PublishNotify(data []byte) error {
	return c.conn.Publish(SubjectNotify, data)
}

// SubscribeNotify joins the notifier queue group; each push event is
// delivered to exactly one member.
func (c *Client) SubscribeNotify(handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(SubjectNotify, NotifyQueue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectNotify, err)
	}

	c.mu.Lock()
	c.subs[SubjectNotify] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// subscribe registers a handler for the given subject and stores the
// subscription for later cleanup.
func (c *Client) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
