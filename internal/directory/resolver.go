// Package directory resolves recipient addresses to forwarding targets
// against the domain/alias directory owned by the admin service.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailfold/mailfold-backend/internal/models"
	"github.com/mailfold/mailfold-backend/internal/repository"
	"github.com/mailfold/mailfold-backend/internal/validator"
)

// Resolver maps one recipient address to an ordered set of forwarding
// targets. Precedence, first match wins: exact domain alias, exact
// domain catch-all, suffix-fallback alias, suffix-fallback catch-all.
type Resolver struct {
	domains repository.DomainRepository
	aliases repository.AliasRepository
	logger  *slog.Logger
}

// NewResolver creates a Resolver over the given directory repositories
func NewResolver(domains repository.DomainRepository, aliases repository.AliasRepository, logger *slog.Logger) *Resolver {
	return &Resolver{
		domains: domains,
		aliases: aliases,
		logger:  logger,
	}
}

// Resolve returns the forwarding targets for recipient at the given
// instant. An empty result means the recipient is unresolvable and the
// caller bounces it. Resolve never mutates the directory; resolving the
// same (recipient, now) twice yields identical results.
func (r *Resolver) Resolve(ctx context.Context, recipient validator.Address, now time.Time) ([]validator.Address, error) {
	domain, err := r.domains.GetByName(ctx, recipient.Domain)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("domain lookup for %q: %w", recipient.Domain, err)
	}

	if domain != nil {
		targets, matched, err := r.resolveInDomain(ctx, domain, recipient.LocalPart, now)
		if err != nil {
			return nil, err
		}
		if matched {
			return targets, nil
		}
		if catchAll, ok := r.catchAllTarget(domain); ok {
			return []validator.Address{catchAll}, nil
		}
		return nil, nil
	}

	return r.resolveBySuffix(ctx, recipient, now)
}

// resolveInDomain looks for a live alias under domain. matched reports
// whether an alias existed and was live; its target list may still be
// empty when every stored target is malformed.
func (r *Resolver) resolveInDomain(ctx context.Context, domain *models.Domain, localPart string, now time.Time) (targets []validator.Address, matched bool, err error) {
	alias, err := r.aliases.GetByLocalPart(ctx, domain.ID, localPart)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("alias lookup for %q under %q: %w", localPart, domain.Name, err)
	}
	if alias.Expired(now) {
		r.logger.Debug("alias expired",
			slog.String("local_part", localPart),
			slog.String("domain", domain.Name),
			slog.Time("expired_at", *alias.ExpiresAt))
		return nil, false, nil
	}
	return r.validTargets(alias, domain.Name), true, nil
}

// resolveBySuffix handles recipients whose exact domain is not in the
// directory: the domain name is split at its first dot and every
// directory domain under that base suffix becomes a candidate, scanned
// in lexicographic name order. An alias match in any candidate beats
// every candidate's catch-all.
func (r *Resolver) resolveBySuffix(ctx context.Context, recipient validator.Address, now time.Time) ([]validator.Address, error) {
	_, base, found := strings.Cut(recipient.Domain, ".")
	if !found || base == "" {
		return nil, nil
	}

	candidates, err := r.domains.ListBySuffix(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("suffix lookup for %q: %w", base, err)
	}

	// First alias match encountered wins, by scan order, not the
	// closest candidate to the recipient domain.
	for i := range candidates {
		targets, matched, err := r.resolveInDomain(ctx, &candidates[i], recipient.LocalPart, now)
		if err != nil {
			return nil, err
		}
		if matched {
			return targets, nil
		}
	}

	for i := range candidates {
		if catchAll, ok := r.catchAllTarget(&candidates[i]); ok {
			return []validator.Address{catchAll}, nil
		}
	}

	return nil, nil
}

// validTargets validates each stored alias target, dropping malformed
// entries with a warning and deduplicating while preserving order.
func (r *Resolver) validTargets(alias *models.Alias, domainName string) []validator.Address {
	var targets []validator.Address
	seen := make(map[string]struct{})
	for _, raw := range alias.TargetList() {
		addr, err := validator.ParseAddress(raw)
		if err != nil {
			r.logger.Warn("dropping invalid alias target",
				slog.String("target", raw),
				slog.String("local_part", alias.LocalPart),
				slog.String("domain", domainName),
				slog.Any("error", err))
			continue
		}
		if _, dup := seen[addr.String()]; dup {
			continue
		}
		seen[addr.String()] = struct{}{}
		targets = append(targets, addr)
	}
	return targets
}

// catchAllTarget returns the domain's validated catch-all, if any.
func (r *Resolver) catchAllTarget(domain *models.Domain) (validator.Address, bool) {
	if domain.CatchAll == "" {
		return validator.Address{}, false
	}
	addr, err := validator.ParseAddress(domain.CatchAll)
	if err != nil {
		r.logger.Warn("invalid catch-all address",
			slog.String("catch_all", domain.CatchAll),
			slog.String("domain", domain.Name),
			slog.Any("error", err))
		return validator.Address{}, false
	}
	return addr, true
}
