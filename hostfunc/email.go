package hostfunc

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
)

// Attachment is a file sent along with an email; Base64 holds the content.
type Attachment struct {
	Name        string
	ContentType string
	Base64      string
}

// EmailClient sends mail through one SMTP server. Port 25 speaks plain
// SMTP, any other port implicit TLS.
type EmailClient struct {
	host     string
	port     int
	username string
	password string
}

func (e *EmailClient) message(receivers []string, subject, content string, attachments []Attachment) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	part.Write([]byte(content))

	for _, a := range attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ct, map[string]string{"name": a.Name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		part.Write([]byte(a.Base64))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.username)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(receivers, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", w.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

// attachmentOf reads an attachment object, accepting both the declared
// capitalized keys and lower camel case.
func attachmentOf(m map[string]any) Attachment {
	str := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := m[k].(string); ok {
				return s
			}
		}
		return ""
	}
	return Attachment{
		Name:        str("Name", "name"),
		ContentType: str("ContentType", "contentType"),
		Base64:      str("Base64", "base64"),
	}
}

func (e *EmailClient) Send(receivers []string, subject, content string, attachments []map[string]any) error {
	if len(receivers) == 0 {
		return invalidArgs("email", "receivers required")
	}
	atts := make([]Attachment, 0, len(attachments))
	for _, a := range attachments {
		atts = append(atts, attachmentOf(a))
	}
	return e.send(receivers, subject, content, atts)
}

func (e *EmailClient) send(receivers []string, subject, content string, attachments []Attachment) error {
	msg, err := e.message(receivers, subject, content, attachments)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	auth := smtp.PlainAuth("", e.username, e.password, e.host)
	if e.port == 25 {
		return smtp.SendMail(addr, auth, e.username, receivers, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.host})
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, e.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if ok, _ := c.Extension("AUTH"); ok {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(e.username); err != nil {
		return err
	}
	for _, r := range receivers {
		if err := c.Rcpt(r); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
