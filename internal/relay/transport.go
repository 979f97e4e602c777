package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	apperrors "github.com/mailfold/mailfold-backend/internal/errors"
)

// TLSMode selects how the connection to the smarthost is secured.
type TLSMode string

// Supported connection modes.
const (
	TLSModeNone     TLSMode = "none"
	TLSModeStartTLS TLSMode = "starttls"
	TLSModeImplicit TLSMode = "tls"
)

// AuthMethod selects the SASL mechanism for relay authentication.
type AuthMethod string

// Supported AUTH mechanisms.
const (
	AuthNone  AuthMethod = ""
	AuthPlain AuthMethod = "plain"
	AuthLogin AuthMethod = "login"
)

// Result reports the per-target outcome of one delivery attempt that
// got far enough to issue RCPT TO commands.
type Result struct {
	// Accepted targets were delivered (attempt-level err is nil) or at
	// least accepted before a later failure.
	Accepted []string
	// Refused maps each rejected target to its classified error.
	Refused map[string]*apperrors.DeliveryError
}

// Transport delivers one message to a set of targets. Implementations
// must not leak connections on any failure path.
type Transport interface {
	// Deliver returns a Result when the SMTP dialogue reached the
	// recipient phase; a non-nil error means no target was delivered
	// in this attempt.
	Deliver(from string, targets []string, message []byte) (*Result, error)
}

// SMTPTransportConfig configures the outbound SMTP client.
type SMTPTransportConfig struct {
	Host           string
	Port           int
	Mode           TLSMode
	Auth           AuthMethod
	Username       string
	Password       string
	HelloName      string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	TLSConfig      *tls.Config
}

// SMTPTransport relays messages through a configured smarthost using
// the go-smtp client.
type SMTPTransport struct {
	cfg    SMTPTransportConfig
	logger *slog.Logger
}

// NewSMTPTransport creates an SMTPTransport
func NewSMTPTransport(cfg SMTPTransportConfig, logger *slog.Logger) *SMTPTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	return &SMTPTransport{cfg: cfg, logger: logger}
}

// Deliver opens a connection per attempt and guarantees it is closed
// before returning.
func (t *SMTPTransport) Deliver(from string, targets []string, message []byte) (*Result, error) {
	client, err := t.connect()
	if err != nil {
		return nil, classify(err)
	}
	defer client.Close()

	if auth := t.saslClient(); auth != nil {
		if err := client.Auth(auth); err != nil {
			return nil, classify(fmt.Errorf("AUTH failed: %w", err))
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return nil, classify(fmt.Errorf("MAIL FROM failed: %w", err))
	}

	result := &Result{Refused: make(map[string]*apperrors.DeliveryError)}
	for _, target := range targets {
		if err := client.Rcpt(target, nil); err != nil {
			result.Refused[target] = classify(fmt.Errorf("RCPT TO failed: %w", err))
			continue
		}
		result.Accepted = append(result.Accepted, target)
	}

	if len(result.Accepted) == 0 {
		// Nothing left to send. Per-target outcomes ride in Refused so
		// the caller can split permanent from transient refusals.
		if err := client.Quit(); err != nil {
			t.logger.Debug("QUIT failed after refused recipients", slog.Any("error", err))
		}
		return result, nil
	}

	w, err := client.Data()
	if err != nil {
		return nil, classify(fmt.Errorf("DATA failed: %w", err))
	}
	if _, err := w.Write(message); err != nil {
		w.Close()
		return nil, classify(fmt.Errorf("failed to write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return nil, classify(fmt.Errorf("message rejected: %w", err))
	}

	if err := client.Quit(); err != nil {
		// Message already accepted; a failed QUIT is not a delivery failure.
		t.logger.Debug("QUIT failed after accepted delivery", slog.Any("error", err))
	}
	return result, nil
}

// connect dials the smarthost in the configured mode
func (t *SMTPTransport) connect() (*smtp.Client, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.ConnectTimeout}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if t.cfg.Mode == TLSModeImplicit {
		conn = tls.Client(conn, t.tlsConfig())
	}

	if t.cfg.Mode == TLSModeStartTLS {
		// NewClientStartTLS greets and negotiates TLS before returning.
		client, err := smtp.NewClientStartTLS(conn, t.tlsConfig())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
		client.CommandTimeout = t.cfg.CommandTimeout
		client.SubmissionTimeout = t.cfg.CommandTimeout
		return client, nil
	}

	client := smtp.NewClient(conn)
	client.CommandTimeout = t.cfg.CommandTimeout
	client.SubmissionTimeout = t.cfg.CommandTimeout
	if t.cfg.HelloName != "" {
		if err := client.Hello(t.cfg.HelloName); err != nil {
			client.Close()
			return nil, fmt.Errorf("HELO failed: %w", err)
		}
	}
	return client, nil
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	if t.cfg.TLSConfig != nil {
		return t.cfg.TLSConfig
	}
	return &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}
}

// saslClient returns the configured AUTH mechanism, nil when AUTH is off
func (t *SMTPTransport) saslClient() sasl.Client {
	switch t.cfg.Auth {
	case AuthPlain:
		return sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
	case AuthLogin:
		return sasl.NewLoginClient(t.cfg.Username, t.cfg.Password)
	default:
		return nil
	}
}

// classify wraps a transport error with its retry class: 5xx SMTP
// replies are permanent, everything else (4xx, network errors) is
// transient.
func classify(err error) *apperrors.DeliveryError {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return apperrors.NewDeliveryError(err, smtpErr.Code, smtpErr.Code >= 500)
	}
	return apperrors.NewDeliveryError(err, 0, false)
}
