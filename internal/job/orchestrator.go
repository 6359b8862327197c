package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/gateway-fm/cfdi-descarga/internal/credential"
	"github.com/gateway-fm/cfdi-descarga/internal/persistence"
	"github.com/gateway-fm/cfdi-descarga/internal/sat"
	"github.com/gateway-fm/cfdi-descarga/internal/signer"
)

type CredentialLoader interface {
	Load(ctx context.Context, ownerRef string) (*credential.Bundle, error)
}

type EnvelopeSigner interface {
	SignAuthentication(cred signer.Credential) (signer.Envelope, error)
}

// Remote is the protocol client as seen by the orchestrator.
type Remote interface {
	Authenticate(ctx context.Context, env signer.Envelope) (string, error)
	RequestBatch(ctx context.Context, token string, req sat.BatchRequest) (sat.RequestResult, error)
	VerifyBatch(ctx context.Context, token, requesterRFC, requestID string) (sat.Verification, error)
	DownloadPackage(ctx context.Context, token, requesterRFC, packageID string) ([]byte, error)
}

// Recorder receives execution metrics.
type Recorder interface {
	StageObserved(stage Stage, d time.Duration)
	JobFinished(state State, reason Reason)
	DocumentsStored(format string, n int)
	RemoteCode(operation, code string, known bool)
	FallbackTriggered()
}

type nopRecorder struct{}

func (nopRecorder) StageObserved(Stage, time.Duration) {}
func (nopRecorder) JobFinished(State, Reason) {}
func (nopRecorder) DocumentsStored(string, int) {}
func (nopRecorder) RemoteCode(string, string, bool) {}
func (nopRecorder) FallbackTriggered() {}

// PollConfig bounds the verification loop. A zero TokenTTL never
// re-authenticates.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
	TokenTTL    time.Duration
}

type Deps struct {
	Db          Db
	Locker      Locker
	Credentials CredentialLoader
	Signer      EnvelopeSigner
	Remote      Remote
	Sink        persistence.Sink
	Recorder    Recorder
	Clock       clockwork.Clock
}

// Orchestrator drives queued jobs through the remote protocol. It is the
// only writer of job state once a job has left the queue.
type Orchestrator struct {
	db       Db
	locker   Locker
	creds    CredentialLoader
	signer   EnvelopeSigner
	remote   Remote
	sink     persistence.Sink
	recorder Recorder
	clock    clockwork.Clock
	poll     PollConfig

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewOrchestrator(deps Deps, poll PollConfig, maxConcurrent int64) *Orchestrator {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		db:       deps.Db,
		locker:   deps.Locker,
		creds:    deps.Credentials,
		signer:   deps.Signer,
		remote:   deps.Remote,
		sink:     deps.Sink,
		recorder: deps.Recorder,
		clock:    deps.Clock,
		poll:     poll,
		sem:      semaphore.NewWeighted(maxConcurrent),
	}
}

// Dispatch starts queued jobs in the background, as many as free execution
// slots allow. The rest stay queued for the next call.
func (o *Orchestrator) Dispatch(ctx context.Context) (int, error) {
	queued, err := o.db.ListJobs(ctx, ListFilter{States: []State{StateQueued}})
	if err != nil {
		return 0, err
	}

	started := 0
	for _, j := range queued {
		if !o.sem.TryAcquire(1) {
			break
		}
		started++
		o.wg.Add(1)
		go func(id string) {
			defer o.wg.Done()
			defer o.sem.Release(1)

			err := o.Run(ctx, id)
			var failure *Failure
			switch {
			case err == nil, errors.As(err, &failure), errors.Is(err, ErrLocked):
			default:
				slog.Error("job execution aborted", "job", id, "err", err)
			}
		}(j.ID)
	}
	return started, nil
}

// Wait blocks until every execution started by Dispatch has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run executes one queued job to a terminal state. It returns nil on success,
// a *Failure when the job ended in error, ErrLocked when another execution
// holds the job and ErrConcurrentModification when this execution went
// stale. A job that is no longer queued is left alone.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	unlock, ok, err := o.locker.TryLock(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to lock job %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, id)
	}
	defer unlock()

	j, err := o.db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State != StateQueued {
		return nil
	}

	ex := &execution{o: o, job: j, log: slog.With("job", id)}
	return ex.run(ctx)
}

// Recover fails jobs left mid-flight by a previous process so they can be
// retried. Jobs whose lock is held elsewhere are skipped.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stuck, err := o.db.ListJobs(ctx, ListFilter{States: []State{StateRunning, StateVerifying}})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range stuck {
		unlock, ok, err := o.locker.TryLock(ctx, j.ID)
		if err != nil {
			return recovered, fmt.Errorf("failed to lock job %s: %w", j.ID, err)
		}
		if !ok {
			continue
		}

		j.State = StateError
		j.Reason = ReasonInterrupted
		j.LastError = "execution stopped before finishing"
		j.UpdatedAt = o.clock.Now().UTC()
		err = o.db.UpdateJob(ctx, &j)
		unlock()
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		o.recorder.JobFinished(StateError, ReasonInterrupted)
		slog.Warn("interrupted job marked as failed", "job", j.ID)
	}
	return recovered, nil
}
