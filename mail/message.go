package mail

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".rtf":  "application/rtf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".zip":  "application/zip",
	".rar":  "application/x-rar-compressed",
	".7z":   "application/x-7z-compressed",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".csv":  "text/csv",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// ContentTypeByFilename guesses a MIME type from the file extension.
func ContentTypeByFilename(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// NewMessageID returns a unique Message-ID value (with angle brackets) in the domain
// of the sender.
func NewMessageID(from Address) string {
	domain := from.Domain()
	if domain == "" {
		domain = "localhost"
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// Build renders the email as an RFC 5322 message. It returns the generated
// Message-ID together with the raw bytes.
func Build(email Email) (string, []byte, error) {
	messageID := NewMessageID(email.From)

	var h gomail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", toHeaderList([]Address{email.From}))
	if len(email.To) > 0 {
		h.SetAddressList("To", toHeaderList(email.To))
	}
	if len(email.Cc) > 0 {
		h.SetAddressList("Cc", toHeaderList(email.Cc))
	}
	if len(email.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", toHeaderList(email.ReplyTo))
	}
	h.SetSubject(email.Subject)
	h.SetMessageID(strings.Trim(messageID, "<>"))
	for k, v := range email.Headers {
		h.Set(k, v)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create message writer")
	}

	if err := writeBody(w, email); err != nil {
		return "", nil, err
	}

	for _, a := range email.Attachments {
		if err := writeAttachment(w, a); err != nil {
			return "", nil, err
		}
	}

	if err := w.Close(); err != nil {
		return "", nil, errors.Wrap(err, "failed to close message writer")
	}

	return messageID, buf.Bytes(), nil
}

func writeBody(w *gomail.Writer, email Email) error {
	iw, err := w.CreateInline()
	if err != nil {
		return errors.Wrap(err, "failed to create inline part")
	}

	// An HTML-only message carries no empty text alternative.
	if email.Body != "" || email.HTML == "" {
		if err := writeText(iw, "text/plain", email.Body); err != nil {
			return err
		}
	}
	if email.HTML != "" {
		if err := writeText(iw, "text/html", email.HTML); err != nil {
			return err
		}
	}

	return errors.Wrap(iw.Close(), "failed to close inline part")
}

func writeText(iw *gomail.InlineWriter, contentType, text string) error {
	var h gomail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := iw.CreatePart(h)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s part", contentType)
	}
	if _, err := io.WriteString(pw, text); err != nil {
		pw.Close()
		return errors.Wrapf(err, "failed to write %s part", contentType)
	}
	return errors.Wrapf(pw.Close(), "failed to close %s part", contentType)
}

func writeAttachment(w *gomail.Writer, a Attachment) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to open attachment %s", a.Path)
	}
	defer f.Close()

	name := a.Filename
	if name == "" {
		name = filepath.Base(a.Path)
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = ContentTypeByFilename(name)
	}

	var h gomail.AttachmentHeader
	h.SetContentType(contentType, nil)
	h.SetFilename(name)
	h.Set("Content-Transfer-Encoding", "base64")

	aw, err := w.CreateAttachment(h)
	if err != nil {
		return errors.Wrapf(err, "failed to create attachment part %s", name)
	}
	if _, err := io.Copy(aw, f); err != nil {
		aw.Close()
		return errors.Wrapf(err, "failed to write attachment %s", name)
	}
	return errors.Wrapf(aw.Close(), "failed to close attachment %s", name)
}

func toHeaderList(addrs []Address) []*gomail.Address {
	list := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &gomail.Address{Name: a.Name, Address: a.Address})
	}
	return list
}
