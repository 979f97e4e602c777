// Package activity records terminal forwarding outcomes as immutable
// audit entries for the external reporting service.
package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailfold/mailfold-backend/internal/models"
	"github.com/mailfold/mailfold-backend/internal/repository"
)

// Publisher pushes freshly appended records to live subscribers.
type Publisher interface {
	Publish(record models.ActivityRecord)
}

// Recorder appends activity records. Every write is fire-and-forget: a
// failed append is logged and never propagates into message processing.
type Recorder struct {
	repo      repository.ActivityRepository
	publisher Publisher
	logger    *slog.Logger
	timeout   time.Duration
}

// NewRecorder creates a Recorder. publisher may be nil.
func NewRecorder(repo repository.ActivityRepository, publisher Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

// Forwarded records one successful delivery to one target.
func (r *Recorder) Forwarded(sender, recipient, subject string) {
	r.append(models.ActivityRecord{
		EventType: models.EventForward,
		Sender:    sender,
		Recipient: recipient,
		Subject:   subject,
		Status:    models.StatusSuccess,
		Message:   "forwarded",
	})
}

// DeliveryFailed records a terminal relay failure for one target.
func (r *Recorder) DeliveryFailed(sender, recipient, subject, reason string) {
	r.append(models.ActivityRecord{
		EventType: models.EventError,
		Sender:    sender,
		Recipient: recipient,
		Subject:   subject,
		Status:    models.StatusFailed,
		Message:   reason,
	})
}

// Bounced records an unresolvable or invalid recipient.
func (r *Recorder) Bounced(sender, recipient, subject, reason string) {
	r.append(models.ActivityRecord{
		EventType: models.EventBounce,
		Sender:    sender,
		Recipient: recipient,
		Subject:   subject,
		Status:    models.StatusFailed,
		Message:   reason,
	})
}

func (r *Recorder) append(record models.ActivityRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.repo.Append(ctx, &record); err != nil {
		r.logger.Error("failed to append activity record",
			slog.String("event_type", record.EventType),
			slog.String("recipient", record.Recipient),
			slog.Any("error", err))
		// Log-and-continue: the pipeline never stalls on audit writes.
	}
	if r.publisher != nil {
		r.publisher.Publish(record)
	}
}
