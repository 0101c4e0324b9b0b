package mailer

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/pkg/logger"
)

// LogTransport accepts every message and only logs it. Used when no SMTP relay is configured.
type LogTransport struct {
	logger *logger.Logger
}

func NewLogTransport(log *logger.Logger) *LogTransport {
	return &LogTransport{logger: log}
}

func (t *LogTransport) Send(_ context.Context, msg Message) (SendResult, error) {
	if err := msg.Validate(); err != nil {
		return SendResult{}, err
	}
	id := uuid.NewString()
	t.logger.Info("mail sent (log transport)",
		"to", msg.To,
		"subject", msg.Subject,
		"message_id", id)
	return SendResult{MessageID: id}, nil
}
