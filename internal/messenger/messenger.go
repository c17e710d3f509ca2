// Package messenger abstracts the outbound email/SMS providers. Auth methods
// depend only on the Sender capability, never on a concrete gateway.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"voteauth.org/internal/obs"
)

// Channels a message can be delivered on.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

var ErrUnknownChannel = errors.New("messenger: unknown channel")

// Message is one outbound delivery. From is the sender identity for email;
// SMS gateways ignore it.
type Message struct {
	Recipient string
	From      string
	Channel   string
	Subject   string
	Body      string
}

// Sender delivers a message. Implementations must bound their own timeouts
// and return an error on non-success; callers treat failures as soft.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes deliveries to the structured log instead of a real
// gateway. Default in development and tests.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	if msg.Channel != ChannelEmail && msg.Channel != ChannelSMS {
		obs.ObserveMessage(msg.Channel, "error")
		return fmt.Errorf("%w: %q", ErrUnknownChannel, msg.Channel)
	}
	obs.Info("outbound message", map[string]any{
		"channel":   msg.Channel,
		"from":      msg.From,
		"recipient": redact(msg.Recipient),
		"subject":   msg.Subject,
		"bytes":     len(msg.Body),
	})
	obs.ObserveMessage(msg.Channel, "ok")
	return nil
}

// Recorder captures sent messages for assertions in tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Message

	// FailWith, when set, is returned by Send to exercise soft-failure paths.
	FailWith error
}

func (r *Recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of the captured messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// redact keeps enough of a recipient for correlation without logging the
// full address or phone number.
func redact(recipient string) string {
	if at := strings.IndexByte(recipient, '@'); at > 1 {
		return recipient[:2] + "***" + recipient[at:]
	}
	if len(recipient) > 4 {
		return "***" + recipient[len(recipient)-4:]
	}
	return "***"
}
