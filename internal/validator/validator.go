// Package validator provides email address parsing and validation for
// the forwarding pipeline. Every address crosses this package before any
// directory lookup or relay attempt.
package validator

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	apperrors "github.com/mailfold/mailfold-backend/internal/errors"
)

// Address is a validated email address split into its parts.
type Address struct {
	Raw       string
	LocalPart string
	Domain    string
}

// String returns the normalized local@domain form.
func (a Address) String() string {
	return a.LocalPart + "@" + a.Domain
}

// ParseAddress validates a raw email address and splits it into local
// part and domain. The check is a practical RFC 5322 shape: a parseable
// local-part@domain where the domain carries a dot-separated TLD of at
// least two characters. ParseAddress is pure; it never logs.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "<")
	trimmed = strings.TrimSuffix(trimmed, ">")

	if trimmed == "" {
		return Address{}, fmt.Errorf("empty address: %w", apperrors.ErrInvalidAddress)
	}

	// RFC 5321 caps the full address at 254 characters
	if utf8.RuneCountInString(trimmed) > 254 {
		return Address{}, fmt.Errorf("address %q too long: %w", raw, apperrors.ErrInvalidAddress)
	}

	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: %w", raw, apperrors.ErrInvalidAddress)
	}

	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return Address{}, fmt.Errorf("address %q: %w", raw, apperrors.ErrInvalidAddress)
	}

	localPart := strings.ToLower(parsed.Address[:at])
	domain := strings.ToLower(parsed.Address[at+1:])

	if err := checkDomain(domain); err != nil {
		return Address{}, fmt.Errorf("address %q: %w", raw, err)
	}

	return Address{
		Raw:       raw,
		LocalPart: localPart,
		Domain:    domain,
	}, nil
}

// checkDomain enforces the dotted-label shape with a TLD of two or more
// characters. mail.ParseAddress accepts bare hostnames; bare hostnames
// are not routable here.
func checkDomain(domain string) error {
	// RFC 1035 caps domain names at 253 characters
	if len(domain) > 253 {
		return fmt.Errorf("domain too long: %w", apperrors.ErrInvalidAddress)
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain %q has no TLD: %w", domain, apperrors.ErrInvalidAddress)
	}
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("domain %q has an empty label: %w", domain, apperrors.ErrInvalidAddress)
		}
	}
	if len(labels[len(labels)-1]) < 2 {
		return fmt.Errorf("domain %q has a short TLD: %w", domain, apperrors.ErrInvalidAddress)
	}
	return nil
}

// ParseAddressList parses an RFC 5322 address list header value (e.g. a
// To header holding several comma-separated addresses) and returns the
// bare addresses. A header that fails list parsing falls back to being
// treated as a single candidate address.
func ParseAddressList(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(header)
	if err != nil {
		return []string{header}
	}
	addrs := make([]string, 0, len(parsed))
	for _, p := range parsed {
		addrs = append(addrs, p.Address)
	}
	return addrs
}
