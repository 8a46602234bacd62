package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"porthub/internal/domain"
	"porthub/internal/repo"
)

// Outbox persists messages so recipients can read them from their inbox.
type Outbox struct {
	Repo repo.Repo
}

func (o Outbox) Send(ctx context.Context, recipient string, msg Message) (Ref, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: empty recipient", ErrDeliveryFailed)
	}
	m := domain.Message{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Kind:      msg.Kind,
		JobNumber: msg.JobNumber,
		Body:      msg.Body,
	}
	for _, c := range msg.Controls {
		m.Controls = append(m.Controls, c.ID)
	}
	if err := o.Repo.InsertMessage(ctx, m); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return Ref(m.ID), nil
}

func (o Outbox) RetractControls(ctx context.Context, ref Ref) error {
	if err := o.Repo.RetractMessageControls(ctx, string(ref)); err != nil {
		return fmt.Errorf("%w: retract %s: %v", ErrDeliveryFailed, ref, err)
	}
	return nil
}

// Inbox lists the messages delivered to recipient, newest first.
func (o Outbox) Inbox(ctx context.Context, recipient string, limit int) ([]domain.Message, error) {
	return o.Repo.ListMessages(ctx, recipient, limit)
}
