// Package redisbroadcast is the durable implementation of broadcast.Channel on
// Redis Pub/Sub. Publishing is fire-and-forget; every process keeps a single
// PubSub connection whose receive loop fans messages out to local subscribers
// through bounded buffers.
//
// Connectivity failures are never papered over: each failed receive marks
// every local subscriber with a gap so it resynchronises from the session
// store, and the loop backs off exponentially (100ms doubling, capped at 3s)
// before trying again. go-redis re-establishes the connection and resubscribes
// the tracked channels on the next receive; the first receive that succeeds
// afterwards marks every subscriber with a second gap, since anything
// published while the channels were unsubscribed never reaches this process.
package redisbroadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/resumable-stream-go/broadcast"
	"github.com/ggoodman/resumable-stream-go/internal/backoff"
	"github.com/ggoodman/resumable-stream-go/internal/fanout"
	"github.com/redis/go-redis/v9"
)

const defaultHealthInterval = 30 * time.Second

// Config contains configuration options for the Redis channel.
type Config struct {
	// Client is the shared Redis client. Required; not closed by Channel.Close.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every Pub/Sub channel name.
	// Defaults to "resumable:" if empty.
	KeyPrefix string
	// Buffer bounds the number of undelivered messages per subscriber.
	Buffer int
	// HealthInterval is how long the receive loop waits for traffic before
	// pinging the server. Defaults to 30s.
	HealthInterval time.Duration
	// Logger receives reconnect and decode diagnostics. Nil discards.
	Logger *slog.Logger
}

// Channel implements broadcast.Channel using Redis Pub/Sub.
type Channel struct {
	client         redis.UniversalClient
	keyPrefix      string
	healthInterval time.Duration
	log            *slog.Logger

	hub *fanout.Hub
	ps  *redis.PubSub

	// mu orders hub membership changes with SUBSCRIBE/UNSUBSCRIBE commands.
	mu    sync.Mutex
	ready map[string]*readiness
	// inflight holds, per channel, the SUBSCRIBE commands sent on the current
	// connection that Redis has not confirmed yet, in send order.
	inflight map[string][]*readiness

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type readiness struct {
	ch        chan struct{}
	confirmed bool
}

// New creates the channel and starts its receive loop.
func New(cfg Config) (*Channel, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "resumable:"
	}
	health := cfg.HealthInterval
	if health <= 0 {
		health = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		client:         cfg.Client,
		keyPrefix:      prefix,
		healthInterval: health,
		log:            logger,
		ready:          make(map[string]*readiness),
		inflight:       make(map[string][]*readiness),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	c.hub = fanout.New(fanout.WithBuffer(cfg.Buffer), fanout.WithOnEmpty(c.unsubscribe))
	c.ps = cfg.Client.Subscribe(ctx)

	go c.run(ctx)

	return c, nil
}

// Publish implements broadcast.Channel.
func (c *Channel) Publish(ctx context.Context, topic string, msg broadcast.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := c.client.Publish(ctx, c.channelName(topic), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", broadcast.ErrTransientDelivery, topic, err)
	}
	return nil
}

// Subscribe implements broadcast.Channel. It returns after Redis confirmed the
// subscription of this process to the topic.
func (c *Channel) Subscribe(ctx context.Context, topic string) (broadcast.Subscription, error) {
	name := c.channelName(topic)

	c.mu.Lock()
	sub, first, err := c.hub.Add(topic)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	r := c.ready[name]
	if first || r == nil {
		r = &readiness{ch: make(chan struct{})}
		c.ready[name] = r
		if err := c.ps.Subscribe(ctx, name); err != nil {
			c.mu.Unlock()
			_ = sub.Close()
			return nil, fmt.Errorf("%w: subscribe to %s: %v", broadcast.ErrTransientDelivery, topic, err)
		}
		c.inflight[name] = append(c.inflight[name], r)
	}
	c.mu.Unlock()

	select {
	case <-r.ch:
		return sub, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	case <-c.done:
		_ = sub.Close()
		return nil, broadcast.ErrClosed
	}
}

// Close stops the receive loop and ends every local subscription.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		// Closing the PubSub interrupts a blocked receive.
		_ = c.ps.Close()
		<-c.done
		c.hub.Close()
	})
	return nil
}

func (c *Channel) channelName(topic string) string { return c.keyPrefix + "stream:" + topic }

func (c *Channel) topicOf(name string) (string, bool) {
	return strings.CutPrefix(name, c.keyPrefix+"stream:")
}

func (c *Channel) unsubscribe(topic string) {
	name := c.channelName(topic)

	c.mu.Lock()
	defer c.mu.Unlock()

	// A new subscriber may have arrived between the hub removal and now.
	if c.hub.Len(topic) > 0 {
		return
	}
	delete(c.ready, name)
	if err := c.ps.Unsubscribe(context.Background(), name); err != nil {
		c.log.Debug("redis unsubscribe failed", slog.String("channel", name), slog.String("err", err.Error()))
	}
}

// confirm pairs a "subscribe" reply with the oldest unconfirmed SUBSCRIBE for
// the channel. A reply to a request whose caller already gave up therefore
// never releases a later caller early. Replies with nothing in flight come
// from go-redis resubscribing after a reconnect.
func (c *Channel) confirm(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.inflight[name]
	if len(queue) == 0 {
		return
	}
	r := queue[0]
	if len(queue) == 1 {
		delete(c.inflight, name)
	} else {
		c.inflight[name] = queue[1:]
	}
	if !r.confirmed {
		r.confirmed = true
		close(r.ch)
	}
}

// connectionLost drops replies that will never arrive. Only the readiness
// still waited on survives: go-redis resubscribes its channel on reconnect
// and that reply confirms it.
func (c *Channel) connectionLost() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, queue := range c.inflight {
		tail := queue[len(queue)-1]
		if r, ok := c.ready[name]; ok && r == tail && !r.confirmed {
			c.inflight[name] = queue[len(queue)-1:]
			continue
		}
		delete(c.inflight, name)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	recovering := false
	for {
		received, err := c.ps.ReceiveTimeout(ctx, c.healthInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				if err = c.ps.Ping(ctx); err == nil {
					continue
				}
			}

			// Whatever was in flight is lost to local subscribers.
			c.hub.Lag()
			c.connectionLost()
			recovering = true
			c.log.Warn("redis pubsub receive failed; reconnecting",
				slog.String("err", err.Error()),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", backoff.Delay(attempt)),
			)
			if backoff.Wait(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		if recovering {
			// Resubscribed: publishes made while the connection was down are
			// only in the session store.
			recovering = false
			c.hub.Lag()
			c.log.Info("redis pubsub reconnected")
		}

		switch m := received.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				c.confirm(m.Channel)
			}
		case *redis.Message:
			c.dispatch(m)
		case *redis.Pong:
		}
	}
}

func (c *Channel) dispatch(m *redis.Message) {
	topic, ok := c.topicOf(m.Channel)
	if !ok {
		return
	}
	var msg broadcast.Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		// Skip malformed message; subscribers detect the hole by offset.
		c.log.Warn("dropping malformed broadcast message",
			slog.String("channel", m.Channel),
			slog.String("err", err.Error()),
		)
		return
	}
	c.hub.Dispatch(topic, msg)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Compile-time interface check
var _ broadcast.Channel = (*Channel)(nil)
