// Package mailer delivers single rendered messages to one recipient.
package mailer

import (
	"context"
	"errors"
)

var ErrInvalidMessage = errors.New("mailer: invalid message")

type Message struct {
	To       string
	Subject  string
	HTML     string
	From     string
	FromName string
	ReplyTo  string
}

func (m Message) Validate() error {
	switch {
	case m.To == "":
		return errors.Join(ErrInvalidMessage, errors.New("missing recipient"))
	case m.From == "":
		return errors.Join(ErrInvalidMessage, errors.New("missing sender"))
	}
	return nil
}

type SendResult struct {
	// MessageID is the provider message id recorded on the SENT event.
	MessageID string
}

// Transport sends one message. An error means the message was not accepted.
type Transport interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}
