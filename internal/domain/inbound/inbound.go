// Package inbound provides the structured inbound message handed over by the
// mail ingestion service.
package inbound

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
)

// Header is one raw mail header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is the decrypted, scanned inbound mail.
type Message struct {
	MessageID string   `json:"message_id"`
	Subject   string   `json:"subject"`
	FromEmail string   `json:"from_email"`
	FromName  string   `json:"from_name,omitempty"`
	TextBody  string   `json:"text_body,omitempty"`
	HTMLBody  string   `json:"html_body,omitempty"`
	Headers   []Header `json:"headers,omitempty"`
}

// Validate checks that the message has the fields deliberation relies on.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("%w: message_id is required", domain.ErrValidation)
	}
	if !strings.Contains(m.FromEmail, "@") {
		return fmt.Errorf("%w: from_email is invalid", domain.ErrValidation)
	}
	if strings.TrimSpace(m.TextBody) == "" && strings.TrimSpace(m.HTMLBody) == "" && strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: message has no content", domain.ErrValidation)
	}
	return nil
}

// Header returns the first header value with the given name, case-insensitively.
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// PlainText returns the text body, falling back to the visible text of the HTML body.
func (m *Message) PlainText() string {
	if s := strings.TrimSpace(m.TextBody); s != "" {
		return s
	}
	if m.HTMLBody == "" {
		return ""
	}
	return htmlToText(m.HTMLBody)
}

// Envelope binds a message to the account and thread it arrived on.
type Envelope struct {
	AccountID string  `json:"account_id"`
	ThreadID  string  `json:"thread_id"`
	Message   Message `json:"message"`
	// ReplyTo is set when the envelope re-enters deliberation from a
	// reply-to-clarify link; it names the action being clarified.
	ReplyTo string `json:"reply_to,omitempty"`
}

// Validate checks the envelope and its message.
func (e *Envelope) Validate() error {
	if e.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", domain.ErrValidation)
	}
	if e.ThreadID == "" {
		return fmt.Errorf("%w: thread_id is required", domain.ErrValidation)
	}
	return e.Message.Validate()
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "blockquote": true,
}

func htmlToText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "head") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	return strings.TrimSpace(b.String())
}
