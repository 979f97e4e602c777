package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mailfold/mailfold-backend/internal/dkim"
	"github.com/mailfold/mailfold-backend/internal/rebuild"
	"github.com/mailfold/mailfold-backend/internal/relay"
	"github.com/mailfold/mailfold-backend/internal/repository"
	"github.com/mailfold/mailfold-backend/internal/validator"
)

// Session implements the go-smtp Session interface. One session owns
// one message at a time; the relay queue owns it after submission.
type Session struct {
	backend    *Backend
	from       string
	recipients []string
	traceID    string
}

// NewSession creates a new SMTP session
func NewSession(backend *Backend) *Session {
	return &Session{
		backend:    backend,
		recipients: make([]string, 0),
		traceID:    uuid.NewString(),
	}
}

// AuthPlain handles PLAIN authentication (not required for receiving)
func (s *Session) AuthPlain(username, password string) error {
	return nil
}

// Mail handles the MAIL FROM command. A malformed envelope sender is
// kept as-is for logging; it never blocks the transaction.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	if _, err := validator.ParseAddress(from); err != nil && from != "" {
		s.backend.logger.Warn("malformed envelope sender",
			slog.String("from", from),
			slog.String("trace_id", s.traceID))
	}
	s.backend.logger.Debug("MAIL FROM", slog.String("from", from), slog.String("trace_id", s.traceID))
	return nil
}

// Rcpt handles the RCPT TO command. Resolution happens once the
// complete message arrives; here the address only needs to parse. A
// refusal is terminal for that recipient, so it is bounced in the
// activity log like an unparsable header recipient would be.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if _, err := validator.ParseAddress(to); err != nil {
		s.backend.recorder.Bounced(s.envelopeSender(), to, "", "invalid recipient address")
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Invalid recipient address",
		}
	}
	s.recipients = append(s.recipients, to)
	s.backend.logger.Debug("RCPT TO", slog.String("to", to), slog.String("trace_id", s.traceID))
	return nil
}

// Data receives the complete message and runs the forwarding pipeline.
func (s *Session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	original, err := rebuild.Parse(r)
	if err != nil {
		s.backend.logger.Error("failed to parse message",
			slog.String("trace_id", s.traceID),
			slog.Any("error", err))
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Failed to parse message",
		}
	}

	return s.forward(context.Background(), original)
}

// forward resolves every recipient, unions the targets, and submits one
// ForwardRequest. Failures below message level are absorbed into
// activity records; only an empty target union rejects the transaction.
func (s *Session) forward(ctx context.Context, original *rebuild.Inbound) error {
	sender := s.senderForAudit(original)
	now := time.Now()

	var (
		union     []validator.Address
		seen      = make(map[string]struct{})
		firstRcpt *validator.Address
	)
	for _, raw := range s.allRecipients(original) {
		addr, err := validator.ParseAddress(raw)
		if err != nil {
			s.backend.recorder.Bounced(sender, raw, original.Subject, "invalid recipient address")
			continue
		}

		targets, err := s.backend.resolver.Resolve(ctx, addr, now)
		if err != nil {
			s.backend.logger.Error("resolution failed",
				slog.String("recipient", addr.String()),
				slog.String("trace_id", s.traceID),
				slog.Any("error", err))
			s.backend.recorder.Bounced(sender, addr.String(), original.Subject, "resolution failed")
			continue
		}
		if len(targets) == 0 {
			s.backend.recorder.Bounced(sender, addr.String(), original.Subject, "no forwarding address configured")
			continue
		}

		if firstRcpt == nil {
			a := addr
			firstRcpt = &a
		}
		for _, t := range targets {
			if _, dup := seen[t.String()]; dup {
				continue
			}
			seen[t.String()] = struct{}{}
			union = append(union, t)
		}
	}

	if len(union) == 0 {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No valid recipients",
		}
	}

	// The forward leaves under the alias address the message arrived
	// for; the visible From header stays untouched in the rebuild.
	envelopeFrom := firstRcpt.String()

	message, err := s.backend.rebuilder.Forwardable(original, *firstRcpt, union, strings.Join(s.recipients, ", "), s.traceID)
	if err != nil {
		s.failPending(sender, union, original.Subject, "failed to rebuild message")
		s.backend.logger.Error("rebuild failed",
			slog.String("trace_id", s.traceID),
			slog.Any("error", err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary processing error",
		}
	}

	message = s.sign(ctx, message, envelopeFrom, firstRcpt.Domain)

	req := &relay.ForwardRequest{
		ID:                s.traceID,
		EnvelopeFrom:      envelopeFrom,
		Targets:           addressStrings(union),
		Message:           message,
		Priority:          relay.PriorityNormal,
		Sender:            sender,
		Subject:           original.Subject,
		OriginalRecipient: firstRcpt.String(),
	}
	if err := s.backend.queue.Enqueue(req); err != nil {
		s.failPending(sender, union, original.Subject, "relay submission failed")
		s.backend.logger.Error("relay submission failed",
			slog.String("trace_id", s.traceID),
			slog.Any("error", err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary processing error",
		}
	}

	s.backend.logger.Info("message accepted for forwarding",
		slog.String("trace_id", s.traceID),
		slog.String("from", s.from),
		slog.Int("recipients", len(s.recipients)),
		slog.Int("targets", len(union)),
		slog.String("subject", original.Subject))
	return nil
}

// sign applies best-effort DKIM with the arrival domain's key. A domain
// reached through suffix fallback may have no directory record; the
// message then travels unsigned.
func (s *Session) sign(ctx context.Context, message []byte, envelopeFrom, domainName string) []byte {
	domain, err := s.backend.domainRepo.GetByName(ctx, domainName)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.backend.logger.Warn("signing domain lookup failed",
				slog.String("domain", domainName),
				slog.Any("error", err))
		}
		return message
	}
	if domain.DKIMPrivateKey == "" {
		s.backend.logger.Debug("dkim not configured for domain", slog.String("domain", domainName))
		return message
	}

	signed, _ := s.backend.signer.Sign(message, dkim.Request{
		PrivateKeyPEM: domain.DKIMPrivateKey,
		Selector:      domain.DKIMSelector,
		Domain:        domain.Name,
		EnvelopeFrom:  envelopeFrom,
	})
	return signed
}

// allRecipients unions the envelope recipients with the To header's
// RFC address list, deduplicated case-insensitively.
func (s *Session) allRecipients(original *rebuild.Inbound) []string {
	var all []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		key := strings.ToLower(strings.TrimSpace(strings.Trim(raw, "<>")))
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		all = append(all, raw)
	}
	for _, r := range s.recipients {
		add(r)
	}
	for _, r := range validator.ParseAddressList(original.Envelope.GetHeader("To")) {
		add(r)
	}
	return all
}

// senderForAudit prefers the validated envelope sender, falls back to
// the header From, and keeps the raw envelope string when neither
// parses. A malformed sender never blocks forwarding.
func (s *Session) senderForAudit(original *rebuild.Inbound) string {
	if addr, err := validator.ParseAddress(s.from); err == nil {
		return addr.String()
	}
	if addr, err := validator.ParseAddress(original.FromHeader); err == nil {
		return addr.String()
	}
	return s.from
}

// envelopeSender is the pre-DATA variant: only MAIL FROM is available.
func (s *Session) envelopeSender() string {
	if addr, err := validator.ParseAddress(s.from); err == nil {
		return addr.String()
	}
	return s.from
}

// failPending emits error records for targets the relay never took over
func (s *Session) failPending(sender string, targets []validator.Address, subject, reason string) {
	for _, t := range targets {
		s.backend.recorder.DeliveryFailed(sender, t.String(), subject, reason)
	}
}

// Reset resets the session state
func (s *Session) Reset() {
	s.from = ""
	s.recipients = make([]string, 0)
	s.traceID = uuid.NewString()
}

// Logout handles the end of the session
func (s *Session) Logout() error {
	return nil
}

func addressStrings(addrs []validator.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
