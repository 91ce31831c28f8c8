package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/pure-golang/bulkmail/mail"
)

var errUsage = errors.New("usage error")

// messageFlags are shared by bulk and send.
type messageFlags struct {
	from     string
	fromName string
	replyTo  string
	subject  string
	text     string
	textFile string
	htmlFile string
	attach   []string
	provider string
	envFiles []string
}

func (m *messageFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&m.from, "from", "", "sender address (defaults to SMTP_FROM, SES_FROM or SMTP_USER)")
	fs.StringVar(&m.fromName, "from-name", "", "sender display name")
	fs.StringVar(&m.replyTo, "reply-to", "", "reply-to address")
	fs.StringVarP(&m.subject, "subject", "s", "", "message subject")
	fs.StringVar(&m.text, "text", "", "plain text body")
	fs.StringVar(&m.textFile, "text-file", "", "read the plain text body from a file")
	fs.StringVar(&m.htmlFile, "html-file", "", "read the HTML body from a file")
	fs.StringArrayVarP(&m.attach, "attach", "a", nil, "attach a file (repeatable)")
	fs.StringVarP(&m.provider, "provider", "p", "", "mail provider: gmail, outlook, yahoo, hotmail (throttling and SMTP host)")
	fs.StringSliceVar(&m.envFiles, "env-file", nil, "dotenv files to load (default .env)")
}

func (m *messageFlags) build() (mail.Email, error) {
	if strings.TrimSpace(m.subject) == "" {
		return mail.Email{}, errors.Wrap(errUsage, "--subject is required")
	}
	if m.text != "" && m.textFile != "" {
		return mail.Email{}, errors.Wrap(errUsage, "--text and --text-file are exclusive")
	}

	email := mail.Email{
		From:    mail.Address{Name: m.fromName, Address: m.from},
		Subject: m.subject,
		Body:    m.text,
	}
	if m.replyTo != "" {
		email.ReplyTo = []mail.Address{{Address: m.replyTo}}
	}

	if m.textFile != "" {
		data, err := os.ReadFile(m.textFile)
		if err != nil {
			return mail.Email{}, errors.Wrap(err, "failed to read text body")
		}
		email.Body = string(data)
	}
	if m.htmlFile != "" {
		data, err := os.ReadFile(m.htmlFile)
		if err != nil {
			return mail.Email{}, errors.Wrap(err, "failed to read html body")
		}
		email.HTML = string(data)
	}

	if strings.TrimSpace(email.Body) == "" && strings.TrimSpace(email.HTML) == "" {
		return mail.Email{}, errors.Wrap(errUsage, "a message body is required (--text, --text-file or --html-file)")
	}

	for _, path := range m.attach {
		info, err := os.Stat(path)
		if err != nil {
			return mail.Email{}, errors.Wrapf(err, "attachment %s", path)
		}
		if info.IsDir() {
			return mail.Email{}, errors.Errorf("attachment %s is a directory", path)
		}
		email.Attachments = append(email.Attachments, mail.Attachment{
			Path:        path,
			Filename:    filepath.Base(path),
			ContentType: mail.ContentTypeByFilename(path),
		})
	}

	return email, nil
}
