package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/template"
	"github.com/jwalitptl/bulk-mail/pkg/mailer"
)

type TestSendResult struct {
	Email     string `json:"email"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendTest mails the campaign to arbitrary addresses with placeholder merge
// fields. Nothing is recorded and the campaign status is untouched.
func (e *Engine) SendTest(ctx context.Context, campaignID uuid.UUID, emails []string) ([]TestSendResult, error) {
	c, err := e.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	results := make([]TestSendResult, 0, len(emails))
	for _, email := range emails {
		fields := map[string]string{
			"name":           "Test User",
			"email":          email,
			"unsubscribeUrl": "#",
		}
		res := TestSendResult{Email: email}

		html, err := e.Executor.renderer.Render(ctx, c.TemplateID, fields)
		if err != nil {
			return nil, fmt.Errorf("render: %w", err)
		}
		sent, err := e.Executor.transport.Send(ctx, mailer.Message{
			To:       email,
			Subject:  "[TEST] " + template.Merge(c.Subject, fields),
			HTML:     html,
			From:     firstNonEmpty(c.SenderEmail, e.cfg.DefaultSender.Email),
			FromName: firstNonEmpty(c.SenderName, e.cfg.DefaultSender.Name),
			ReplyTo:  c.ReplyTo,
		})
		if err != nil {
			res.Error = err.Error()
		} else {
			res.MessageID = sent.MessageID
		}
		results = append(results, res)
	}
	return results, nil
}
