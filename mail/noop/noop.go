package noop

import (
	"context"
	"sync"

	"github.com/pure-golang/bulkmail/mail"
)

var _ mail.Sender = (*Sender)(nil)

// Sender is a no-op mail sender for dry runs and tests.
type Sender struct {
	mx     sync.Mutex
	sent   []mail.Email
	closed bool
}

// NewSender creates a new no-op Sender.
func NewSender() *Sender {
	return &Sender{}
}

// Verify always succeeds on an open sender.
func (n *Sender) Verify(ctx context.Context) error {
	n.mx.Lock()
	defer n.mx.Unlock()

	if n.closed {
		return mail.ErrClosed
	}
	return nil
}

// Send records the email and returns a generated message ID.
func (n *Sender) Send(ctx context.Context, email mail.Email) (string, error) {
	n.mx.Lock()
	defer n.mx.Unlock()

	if n.closed {
		return "", mail.ErrClosed
	}
	email, err := mail.Prepare(email, "noop@localhost")
	if err != nil {
		return "", err
	}

	n.sent = append(n.sent, email)
	return mail.NewMessageID(email.From), nil
}

// Sent returns the emails accepted so far.
func (n *Sender) Sent() []mail.Email {
	n.mx.Lock()
	defer n.mx.Unlock()

	return append([]mail.Email(nil), n.sent...)
}

// Close marks the sender closed.
func (n *Sender) Close() error {
	n.mx.Lock()
	defer n.mx.Unlock()

	n.closed = true
	return nil
}
