package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/report-scheduler/internal/loops"
)

// TransactionalSender is the part of the Loops client the transport uses
type TransactionalSender interface {
	SendTransactional(ctx context.Context, req *loops.TransactionalRequest) error
}

// LoopsTransport sends through a Loops transactional template. The template
// receives subject and reportHtml data variables. Loops addresses one
// recipient per call, so a message fans out into one send per address.
type LoopsTransport struct {
	client          TransactionalSender
	transactionalID string
}

func NewLoopsTransport(client TransactionalSender, transactionalID string) *LoopsTransport {
	return &LoopsTransport{client: client, transactionalID: transactionalID}
}

func (t *LoopsTransport) Send(ctx context.Context, msg Message) (string, error) {
	if t.transactionalID == "" {
		return "", errors.New("loops transactional template id is not configured")
	}

	messageID := fmt.Sprintf("<%s@loops>", uuid.NewString())

	attachments := make([]loops.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, loops.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        base64.StdEncoding.EncodeToString(a.Data),
		})
	}

	var failed []error
	for _, to := range msg.To {
		err := t.client.SendTransactional(ctx, &loops.TransactionalRequest{
			Email:           to,
			TransactionalID: t.transactionalID,
			DataVariables: map[string]any{
				"subject":    msg.Subject,
				"reportHtml": msg.HTMLBody,
			},
			Attachments:    attachments,
			IdempotencyKey: messageID + ":" + to,
		})
		if err != nil {
			log.Warn().Err(err).Str("message_id", messageID).Str("recipient", to).Msg("Loops send failed")
			failed = append(failed, fmt.Errorf("%s: %w", to, err))
		}
	}

	if len(failed) > 0 {
		return "", fmt.Errorf("loops send failed for %d of %d recipient(s): %w", len(failed), len(msg.To), errors.Join(failed...))
	}
	return messageID, nil
}
