// Package dkim signs rebuilt messages with the owning domain's private
// key. Signing is strictly best-effort: a failure is logged and the
// message travels unsigned, never undelivered.
package dkim

import (
	"fmt"
	"log/slog"
	"strings"

	godkim "github.com/toorop/go-dkim"

	apperrors "github.com/mailfold/mailfold-backend/internal/errors"
)

// DefaultSelector is used when the directory stores no selector for a
// signing domain.
const DefaultSelector = "default"

// signedHeaders are included in every signature.
var signedHeaders = []string{"from", "to", "subject", "date"}

// Signer produces DKIM signatures for outbound messages
type Signer struct {
	logger *slog.Logger
}

// NewSigner creates a Signer
func NewSigner(logger *slog.Logger) *Signer {
	return &Signer{logger: logger}
}

// Request carries the signing material for one message.
type Request struct {
	PrivateKeyPEM string
	Selector      string
	// Domain to sign as. When empty it is derived from EnvelopeFrom.
	Domain       string
	EnvelopeFrom string
}

// Sign returns message with a DKIM-Signature header prepended. On any
// failure the original message is returned unchanged alongside the
// error; callers deliver it unsigned.
func (s *Signer) Sign(message []byte, req Request) ([]byte, error) {
	domain := req.Domain
	if domain == "" {
		domain = domainOf(req.EnvelopeFrom)
	}
	if domain == "" {
		err := fmt.Errorf("no signing domain: %w", apperrors.ErrSigningFailed)
		s.warn(err, req)
		return message, err
	}
	if req.PrivateKeyPEM == "" {
		err := fmt.Errorf("no private key for domain %q: %w", domain, apperrors.ErrSigningFailed)
		s.warn(err, req)
		return message, err
	}

	selector := req.Selector
	if selector == "" {
		selector = DefaultSelector
	}

	options := godkim.NewSigOptions()
	options.PrivateKey = []byte(req.PrivateKeyPEM)
	options.Domain = domain
	options.Selector = selector
	options.Headers = signedHeaders
	options.AddSignatureTimestamp = true
	options.Canonicalization = "relaxed/relaxed"

	// Sign mutates its argument; work on a copy so a mid-sign failure
	// cannot corrupt the message we fall back to.
	signed := make([]byte, len(message))
	copy(signed, message)

	if err := godkim.Sign(&signed, options); err != nil {
		wrapped := fmt.Errorf("sign as %s/%s: %v: %w", domain, selector, err, apperrors.ErrSigningFailed)
		s.warn(wrapped, req)
		return message, wrapped
	}

	s.logger.Debug("message signed",
		slog.String("domain", domain),
		slog.String("selector", selector))
	return signed, nil
}

func (s *Signer) warn(err error, req Request) {
	s.logger.Warn("delivering unsigned",
		slog.String("envelope_from", req.EnvelopeFrom),
		slog.Any("error", err))
}

// domainOf extracts the domain of an email address, empty when the
// address has no domain part.
func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
