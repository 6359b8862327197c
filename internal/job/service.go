package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gateway-fm/cfdi-descarga/internal/sat"
)

type SubmitRequest struct {
	OwnerRef   string
	CompanyRef string
	Direction  sat.Direction
	DateFrom   time.Time
	DateTo     time.Time
}

// Service is the outward face of the job table. It never runs jobs itself.
type Service struct {
	db    Db
	clock clockwork.Clock
	// wake is told about newly queued jobs, typically Scheduler.Trigger.
	wake func()
}

func NewService(db Db, clock clockwork.Clock) *Service {
	return &Service{db: db, clock: clock, wake: func() {}}
}

// OnQueued registers a callback for every job that enters the queue.
func (s *Service) OnQueued(f func()) {
	s.wake = f
}

// SubmitJob validates the request and queues a new job. Nothing touches the
// network here.
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	req.OwnerRef = strings.TrimSpace(req.OwnerRef)
	req.CompanyRef = strings.TrimSpace(req.CompanyRef)
	switch {
	case req.OwnerRef == "":
		return "", fmt.Errorf("%w: owner_ref is required", ErrInvalidRequest)
	case req.CompanyRef == "":
		return "", fmt.Errorf("%w: company_ref is required", ErrInvalidRequest)
	case !req.Direction.Valid():
		return "", fmt.Errorf("%w: direction must be issued or received, got %q", ErrInvalidRequest, req.Direction)
	case req.DateFrom.IsZero() || req.DateTo.IsZero():
		return "", fmt.Errorf("%w: date_from and date_to are required", ErrInvalidRequest)
	}
	from, to := calendarDate(req.DateFrom), calendarDate(req.DateTo)
	if from.After(to) {
		return "", fmt.Errorf("%w: %s > %s", ErrInvalidRange, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	now := s.clock.Now().UTC()
	j := RetrievalJob{
		ID:         uuid.NewString(),
		OwnerRef:   req.OwnerRef,
		CompanyRef: req.CompanyRef,
		Direction:  req.Direction,
		DateFrom:   from,
		DateTo:     to,
		State:      StateQueued,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.CreateJob(ctx, j); err != nil {
		return "", err
	}
	slog.Info("job queued", "job", j.ID, "owner", j.OwnerRef, "company", j.CompanyRef,
		"direction", j.Direction, "from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly))
	s.wake()
	return j.ID, nil
}

// GetJobStatus returns a snapshot. It never writes.
func (s *Service) GetJobStatus(ctx context.Context, id string) (RetrievalJob, error) {
	j, err := s.db.GetJob(ctx, id)
	if err != nil {
		return RetrievalJob{}, err
	}
	return j.Clone(), nil
}

func (s *Service) ListJobs(ctx context.Context, filter ListFilter) ([]RetrievalJob, error) {
	return s.db.ListJobs(ctx, filter)
}

// CancelJob marks a job for cancellation. A job still waiting in the queue is
// failed right away; a running one stops at its next checkpoint. Cancelling a
// finished job is a no-op.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	j, err := s.db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}

	if err := s.db.SetCancelRequested(ctx, id, true); err != nil {
		return err
	}
	if j.State != StateQueued {
		return nil
	}

	j.State = StateError
	j.Reason = ReasonCancelled
	j.LastError = "cancelled before start"
	j.UpdatedAt = s.clock.Now().UTC()
	err = s.db.UpdateJob(ctx, &j)
	if errors.Is(err, ErrConcurrentModification) {
		// picked up in the meantime; the flag stops it at the next checkpoint
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("job cancelled", "job", id)
	return nil
}

// RetryJob puts a failed job back in the queue. This is the only backward
// transition. A job that already fell back to metadata stays on metadata.
func (s *Service) RetryJob(ctx context.Context, id string) error {
	j, err := s.db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State != StateError {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, j.State)
	}

	if err := s.db.SetCancelRequested(ctx, id, false); err != nil {
		return err
	}

	j.State = StateQueued
	j.Reason = ""
	j.LastError = ""
	j.RequestID = ""
	j.PackageIDs = nil
	j.TotalFound, j.TotalDownloaded, j.Duplicates, j.Skipped = 0, 0, 0, 0
	j.Stages = nil
	j.Meta.FailedPackages = nil
	j.Meta.VerifyTrace = nil
	j.Attempt++
	j.UpdatedAt = s.clock.Now().UTC()
	if err := s.db.UpdateJob(ctx, &j); err != nil {
		return err
	}
	slog.Info("job requeued", "job", id, "attempt", j.Attempt, "metadata_only", j.FallbackFromFull)
	s.wake()
	return nil
}

// SetCompanyRFC registers the taxpayer id behind a company reference.
func (s *Service) SetCompanyRFC(ctx context.Context, ownerRef, companyRef, rfc string) error {
	rfc = strings.ToUpper(strings.TrimSpace(rfc))
	if ownerRef == "" || companyRef == "" || rfc == "" {
		return fmt.Errorf("%w: owner_ref, company_ref and rfc are required", ErrInvalidRequest)
	}
	return s.db.SetCompanyRFC(ctx, ownerRef, companyRef, rfc)
}

func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
