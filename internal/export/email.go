package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// DestinationEmail names the email export target.
const DestinationEmail = "email"

const (
	defaultFromEmail = "noreply@scribber.app"
	defaultFromName  = "Scribber"
	sendGridHost     = "https://api.sendgrid.com"
)

// EmailMessage is one outgoing export email.
type EmailMessage struct {
	To         string
	Subject    string
	Text       string
	Attachment *Attachment
}

// Attachment is a plain text file attached to an email.
type Attachment struct {
	Filename string
	Content  string
}

// Mailer delivers export emails.
type Mailer interface {
	Configured() bool
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailSender sends mail through the SendGrid v3 API.
type EmailSender struct {
	apiKey    string
	fromEmail string
	fromName  string
	host      string
}

// NewEmailSender returns a sender for apiKey. host overrides the SendGrid
// API host and is empty in production.
func NewEmailSender(apiKey, fromEmail, host string) *EmailSender {
	if fromEmail == "" {
		fromEmail = defaultFromEmail
	}
	if host == "" {
		host = sendGridHost
	}
	return &EmailSender{apiKey: apiKey, fromEmail: fromEmail, fromName: defaultFromName, host: host}
}

// Configured reports whether an API key is set.
func (s *EmailSender) Configured() bool {
	return s != nil && s.apiKey != ""
}

// Send delivers msg. Non-2xx responses are mapped like any provider error.
func (s *EmailSender) Send(ctx context.Context, msg EmailMessage) error {
	if !s.Configured() {
		return provider.NewError(provider.Unavailable, DestinationEmail, "email export is not configured", nil)
	}

	m := mail.NewV3MailInit(
		mail.NewEmail(s.fromName, s.fromEmail), msg.Subject,
		mail.NewEmail("", msg.To),
		mail.NewContent("text/plain", msg.Text))
	m.Content = append(m.Content, mail.NewContent("text/html",
		"<pre>"+html.EscapeString(msg.Text)+"</pre>"))
	if a := msg.Attachment; a != nil {
		m.Attachments = append(m.Attachments, &mail.Attachment{
			Type:        "text/plain",
			Content:     base64.StdEncoding.EncodeToString([]byte(a.Content)),
			Filename:    a.Filename,
			Name:        a.Filename,
			Disposition: "attachment",
		})
	}

	req := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(m)
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return provider.Normalize(DestinationEmail, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return provider.HTTPError(DestinationEmail, resp.StatusCode, []byte(resp.Body))
	}
	return nil
}

// BuildEmail renders an entity as an export email for to.
func BuildEmail(e *types.Entity, to string, includeSummary, includeAttachment bool) EmailMessage {
	title := e.Title
	if title == "" {
		title = e.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SCRIBBER - %s\n", title)
	b.WriteString(strings.Repeat("=", 50))
	b.WriteString("\n\n")
	if includeSummary && e.Summary != "" {
		b.WriteString("SUMMARY\n")
		b.WriteString(strings.Repeat("-", 30))
		b.WriteString("\n")
		b.WriteString(e.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("FULL TRANSCRIPTION\n")
	b.WriteString(strings.Repeat("-", 30))
	b.WriteString("\n")
	b.WriteString(e.Transcription)
	b.WriteString("\n\n")
	b.WriteString(strings.Repeat("-", 50))
	b.WriteString("\nSent via Scribber - Audio Transcription & Summarization\n")

	msg := EmailMessage{To: to, Subject: "Scribber: " + title, Text: b.String()}
	if includeAttachment {
		doc := BuildDocument(e)
		msg.Attachment = &Attachment{Filename: doc.Name + ".txt", Content: doc.Content}
	}
	return msg
}

func validAddress(addr string) bool {
	at := strings.LastIndex(addr, "@")
	return at > 0 && at < len(addr)-1 && !strings.ContainsAny(addr, " \t\r\n<>,") &&
		strings.Contains(addr[at+1:], ".")
}
