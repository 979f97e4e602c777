// Package rebuild reconstructs a forwardable message from an inbound
// MIME document: body and attachments are preserved, addressing headers
// are rewritten for the forwarding hop, and provenance headers are added.
package rebuild

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/mailfold/mailfold-backend/internal/validator"
)

// fallbackBody stands in when neither a text nor an HTML part could be
// recovered from the original message. A rebuild never aborts over body
// extraction.
const fallbackBody = "[The original message body could not be recovered. See attachments or contact the sender.]"

// Provenance header names.
const (
	HeaderForwardedBy = "X-Forwarded-By"
	HeaderOriginalTo  = "X-Original-To"
	HeaderTrace       = "X-Mailfold-Trace"
)

// skipHeaders are original headers that must not be copied onto the
// rebuilt message: addressing and structural MIME headers the builder
// owns, trace headers of the previous hop, and our own provenance set.
var skipHeaders = map[string]struct{}{
	"From":                      {},
	"To":                        {},
	"Cc":                        {},
	"Bcc":                       {},
	"Subject":                   {},
	"Date":                      {},
	"Content-Type":              {},
	"Content-Transfer-Encoding": {},
	"Content-Disposition":       {},
	"Mime-Version":              {},
	"Received":                  {},
	"Return-Path":               {},
	"Delivered-To":              {},
	"Dkim-Signature":            {},
	"Authentication-Results":    {},
	HeaderForwardedBy:           {},
	HeaderOriginalTo:            {},
	HeaderTrace:                 {},
}

// Inbound is a parsed inbound message. It stays immutable for the
// duration of one SMTP transaction.
type Inbound struct {
	Envelope   *enmime.Envelope
	Subject    string
	FromHeader string
	Text       string
	HTML       string
}

// Attachments returns the original attachment parts, inline parts with
// filenames included.
func (in *Inbound) Attachments() []*enmime.Part {
	parts := make([]*enmime.Part, 0, len(in.Envelope.Attachments)+len(in.Envelope.Inlines))
	parts = append(parts, in.Envelope.Attachments...)
	for _, p := range in.Envelope.Inlines {
		if p.FileName != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Parse reads one inbound MIME message
func Parse(r io.Reader) (*Inbound, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &Inbound{
		Envelope:   env,
		Subject:    env.GetHeader("Subject"),
		FromHeader: env.GetHeader("From"),
		Text:       env.Text,
		HTML:       env.HTML,
	}, nil
}

// Rebuilder assembles forwardable messages
type Rebuilder struct {
	hostname string
	logger   *slog.Logger
}

// NewRebuilder creates a Rebuilder. hostname names this forwarder in the
// provenance headers.
func NewRebuilder(hostname string, logger *slog.Logger) *Rebuilder {
	return &Rebuilder{
		hostname: hostname,
		logger:   logger,
	}
}

// Forwardable rebuilds original for the forwarding hop. mailFrom is the
// SMTP envelope sender only; the visible From header of the original is
// preserved. targets become the To header. originalTo records the
// recipient the message arrived for, traceID the per-message UUID.
func (b *Rebuilder) Forwardable(original *Inbound, mailFrom validator.Address, targets []validator.Address, originalTo, traceID string) ([]byte, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no forwarding targets")
	}

	builder := enmime.Builder().
		Subject(original.Subject).
		ToAddrs(toMailAddresses(targets))

	// Keep the sender the recipient sees; the envelope sender is a
	// transport detail.
	if from, err := mail.ParseAddress(original.FromHeader); err == nil {
		builder = builder.From(from.Name, from.Address)
	} else {
		builder = builder.From("", mailFrom.String())
	}

	builder = b.withBody(builder, original)

	builder = builder.
		Header(HeaderForwardedBy, b.hostname).
		Header(HeaderOriginalTo, originalTo).
		Header(HeaderTrace, traceID)

	if original.Envelope.GetHeader("Date") != "" {
		builder = builder.Date(mustDate(original.Envelope.GetHeader("Date")))
	} else {
		builder = builder.Date(time.Now().UTC())
	}

	builder = b.copyHeaders(builder, original)
	builder = b.copyAttachments(builder, original)

	part, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// withBody attaches the preferred body: plain text when present, else
// HTML, else the fallback placeholder.
func (b *Rebuilder) withBody(builder enmime.MailBuilder, original *Inbound) enmime.MailBuilder {
	switch {
	case original.Text != "":
		builder = builder.Text([]byte(original.Text))
		if original.HTML != "" {
			builder = builder.HTML([]byte(original.HTML))
		}
	case original.HTML != "":
		builder = builder.HTML([]byte(original.HTML))
	default:
		b.logger.Warn("no body part recovered, using placeholder",
			slog.String("subject", original.Subject))
		builder = builder.Text([]byte(fallbackBody))
	}
	return builder
}

// copyHeaders carries over every original header outside the skip set.
// Headers the builder already owns are never overwritten.
func (b *Rebuilder) copyHeaders(builder enmime.MailBuilder, original *Inbound) enmime.MailBuilder {
	for _, key := range original.Envelope.GetHeaderKeys() {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if _, skip := skipHeaders[canonical]; skip {
			continue
		}
		for _, value := range original.Envelope.GetHeaderValues(key) {
			if strings.TrimSpace(value) == "" {
				continue
			}
			builder = builder.Header(canonical, value)
		}
	}
	return builder
}

// copyAttachments reattaches every original attachment by content, MIME
// type, and filename. A broken attachment is logged and skipped, never
// fatal to the rebuild.
func (b *Rebuilder) copyAttachments(builder enmime.MailBuilder, original *Inbound) enmime.MailBuilder {
	for _, att := range original.Attachments() {
		if len(att.Content) == 0 && att.FileName == "" {
			b.logger.Warn("skipping unreadable attachment",
				slog.String("content_type", att.ContentType))
			continue
		}
		name := att.FileName
		if name == "" {
			name = "attachment"
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		builder = builder.AddAttachment(att.Content, contentType, name)
	}
	return builder
}

// toMailAddresses converts validated addresses for the builder
func toMailAddresses(targets []validator.Address) []mail.Address {
	addrs := make([]mail.Address, 0, len(targets))
	for _, t := range targets {
		addrs = append(addrs, mail.Address{Address: t.String()})
	}
	return addrs
}

// mustDate parses an RFC 5322 date header, falling back to now
func mustDate(value string) time.Time {
	if t, err := mail.ParseDate(value); err == nil {
		return t
	}
	return time.Now().UTC()
}
