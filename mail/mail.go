package mail

import (
	"context"
	"io"
	netmail "net/mail"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrClosed       = errors.New("sender is closed")
	ErrNoFrom       = errors.New("no from address specified")
	ErrNoRecipients = errors.New("no recipients specified")
)

// Sender delivers emails through a mail provider.
type Sender interface {
	// Verify checks that the provider is reachable and accepts the credentials.
	Verify(ctx context.Context) error
	// Send delivers a single email and returns the message identifier.
	Send(ctx context.Context, email Email) (string, error)
	io.Closer
}

// Email represents an email message.
type Email struct {
	// Envelope
	From    Address
	To      []Address
	Cc      []Address
	Bcc     []Address
	ReplyTo []Address
	Subject string

	// Headers
	Headers map[string]string

	// Body
	Body string // Plain text body
	HTML string // HTML body (optional)

	Attachments []Attachment
}

// Address represents an email address.
type Address struct {
	Name    string // "John Doe"
	Address string // "john@example.com"
}

// Attachment is a file attached to the message. Content is read from Path when the
// message is built.
type Attachment struct {
	Path        string
	Filename    string // defaults to the base name of Path
	ContentType string // guessed from Filename when empty
}

// String formats the address for a header, quoting the display name when needed.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return (&netmail.Address{Name: a.Name, Address: a.Address}).String()
}

// Domain returns the part of the address after '@'.
func (a Address) Domain() string {
	if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
		return a.Address[i+1:]
	}
	return ""
}

// Recipients returns the envelope recipients: To, Cc and Bcc addresses.
func (e Email) Recipients() []string {
	rcpts := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	for _, list := range [][]Address{e.To, e.Cc, e.Bcc} {
		for _, a := range list {
			if a.Address != "" {
				rcpts = append(rcpts, a.Address)
			}
		}
	}
	return rcpts
}

// Prepare fills From with defaultFrom when it is empty and checks that the email
// has a sender and at least one recipient.
func Prepare(email Email, defaultFrom string) (Email, error) {
	if email.From.Address == "" {
		email.From.Address = defaultFrom
	}
	if email.From.Address == "" {
		return email, ErrNoFrom
	}
	if len(email.Recipients()) == 0 {
		return email, ErrNoRecipients
	}
	return email, nil
}
