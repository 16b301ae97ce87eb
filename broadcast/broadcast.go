// Package broadcast provides the fan-out capability that lets the single
// producer of a stream reach any number of live subscribers. Historical
// content is never served from here: a subscriber only sees messages published
// after Subscribe returns and catches up on earlier content from the session
// store.
//
// Two implementations exist and are selected once at startup:
//
//	redisbroadcast : Redis Pub/Sub, works across processes and instances
//	pollbroadcast  : re-reads the session store on a timer, single process only
package broadcast

import (
	"context"
	"errors"

	"github.com/ggoodman/resumable-stream-go/session"
)

var (
	// ErrClosed is returned by Next after the subscription or channel was closed.
	ErrClosed = errors.New("broadcast: subscription closed")
	// ErrTransientDelivery wraps connectivity failures of a durable backend.
	// Subscribers recover by resynchronising from the session store.
	ErrTransientDelivery = errors.New("broadcast: transient delivery failure")
)

// Kind discriminates broadcast messages.
type Kind string

const (
	// KindFragment carries text that starts at character Offset of the content.
	KindFragment Kind = "fragment"
	// KindTerminal marks the end of the stream; Status is done or error and
	// Offset is the final content length.
	KindTerminal Kind = "terminal"
	// KindGap tells the subscriber it may have missed messages and must
	// resynchronise from the session store.
	KindGap Kind = "gap"
)

// Message is one unit of fan-out for a topic.
type Message struct {
	Kind   Kind           `json:"k"`
	Offset int            `json:"o"`
	Text   string         `json:"t,omitempty"`
	Status session.Status `json:"s,omitempty"`
}

// Fragment builds a fragment message.
func Fragment(offset int, text string) Message {
	return Message{Kind: KindFragment, Offset: offset, Text: text}
}

// Terminal builds a terminal marker.
func Terminal(length int, status session.Status) Message {
	return Message{Kind: KindTerminal, Offset: length, Status: status}
}

// Gap builds a gap marker.
func Gap() Message { return Message{Kind: KindGap} }

// Channel is the publish/subscribe capability. The topic is the stream id.
type Channel interface {
	// Publish is fire-and-forget: an error means the message may not have
	// reached subscribers, never that it reached some of them twice.
	Publish(ctx context.Context, topic string, msg Message) error

	// Subscribe returns once the subscription is live. Every message published
	// afterwards is delivered in publish order unless a gap is signalled.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close releases all resources and ends every open subscription.
	Close() error
}

// Subscription is a live, ordered sequence of messages for one topic.
// Subscriptions are safe for use by a single consumer.
type Subscription interface {
	// Next blocks until the next message is available or ctx ends. It returns
	// io.EOF after the stream has ended and ErrClosed once closed.
	Next(ctx context.Context) (Message, error)

	// Close unsubscribes. It is idempotent and has no effect on the stream.
	Close() error
}
