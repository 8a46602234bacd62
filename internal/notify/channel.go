// Package notify delivers best-effort messages to marketplace parties.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Ref identifies a delivered message so its controls can be retracted later.
type Ref string

// Message kinds.
const (
	KindClaimRequest      = "claim.request"
	KindClaimAck          = "claim.ack"
	KindClaimDenied       = "claim.denied"
	KindCompletionPrompt  = "completion.prompt"
	KindCounterpartActed  = "completion.counterpart"
	KindFeedbackPrompt    = "feedback.prompt"
	KindDisputeEscalation = "dispute.escalation"
)

// Control is an interactive action attached to a message.
type Control struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Message struct {
	Kind      string    `json:"kind"`
	JobNumber string    `json:"job_number,omitempty"`
	Body      string    `json:"body"`
	Controls  []Control `json:"controls,omitempty"`
}

// Channel delivers content to a recipient identity.
type Channel interface {
	Send(ctx context.Context, recipient string, msg Message) (Ref, error)
	RetractControls(ctx context.Context, ref Ref) error
}

// ErrDeliveryFailed wraps every channel failure.
var ErrDeliveryFailed = errors.New("delivery failed")

// ChannelRecipient addresses a shared channel rather than an account.
func ChannelRecipient(name string) string {
	return "channel:" + name
}

// Fanout sends to Primary and mirrors to Mirrors. Only the primary's ref and
// error are returned; mirror failures are logged.
type Fanout struct {
	Primary Channel
	Mirrors []Channel
	Logger  *slog.Logger
}

func (f Fanout) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f Fanout) Send(ctx context.Context, recipient string, msg Message) (Ref, error) {
	ref, err := f.Primary.Send(ctx, recipient, msg)
	for _, m := range f.Mirrors {
		if _, merr := m.Send(ctx, recipient, msg); merr != nil {
			f.logger().Warn("notify: mirror send failed",
				slog.String("recipient", recipient), slog.String("kind", msg.Kind), slog.Any("err", merr))
		}
	}
	return ref, err
}

// RetractControls only reaches the primary: mirror refs are not tracked.
func (f Fanout) RetractControls(ctx context.Context, ref Ref) error {
	return f.Primary.RetractControls(ctx, ref)
}
