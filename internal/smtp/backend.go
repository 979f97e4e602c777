// Package smtp is the protocol entry point of the forwarding pipeline:
// it receives complete messages and drives validation, resolution,
// rebuild, signing, and relay submission for each one.
package smtp

import (
	"log/slog"

	"github.com/emersion/go-smtp"

	"github.com/mailfold/mailfold-backend/internal/activity"
	"github.com/mailfold/mailfold-backend/internal/directory"
	"github.com/mailfold/mailfold-backend/internal/dkim"
	"github.com/mailfold/mailfold-backend/internal/rebuild"
	"github.com/mailfold/mailfold-backend/internal/relay"
	"github.com/mailfold/mailfold-backend/internal/repository"
)

// Backend implements the go-smtp Backend interface
type Backend struct {
	resolver   *directory.Resolver
	rebuilder  *rebuild.Rebuilder
	signer     *dkim.Signer
	queue      *relay.Queue
	recorder   *activity.Recorder
	domainRepo repository.DomainRepository
	logger     *slog.Logger
}

// BackendConfig holds the collaborators for the SMTP backend
type BackendConfig struct {
	Resolver   *directory.Resolver
	Rebuilder  *rebuild.Rebuilder
	Signer     *dkim.Signer
	Queue      *relay.Queue
	Recorder   *activity.Recorder
	DomainRepo repository.DomainRepository
	Logger     *slog.Logger
}

// NewBackend creates a new SMTP backend
func NewBackend(cfg *BackendConfig) *Backend {
	return &Backend{
		resolver:   cfg.Resolver,
		rebuilder:  cfg.Rebuilder,
		signer:     cfg.Signer,
		queue:      cfg.Queue,
		recorder:   cfg.Recorder,
		domainRepo: cfg.DomainRepo,
		logger:     cfg.Logger,
	}
}

// NewSession creates a new SMTP session
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.logger.Debug("new SMTP connection", slog.String("remote_addr", c.Conn().RemoteAddr().String()))
	return NewSession(b), nil
}
