package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gateway-fm/cfdi-descarga/internal/credential"
	"github.com/gateway-fm/cfdi-descarga/internal/persistence"
	"github.com/gateway-fm/cfdi-descarga/internal/pkgdecode"
	"github.com/gateway-fm/cfdi-descarga/internal/sat"
	"github.com/gateway-fm/cfdi-descarga/internal/signer"
)

// execution is one run of one job. It holds the only in-memory copy that is
// ever written back, and stops writing once a save reports it stale.
type execution struct {
	o     *Orchestrator
	job   RetrievalJob
	log   *slog.Logger
	stale bool

	fallback  map[string]bool
	requester string
	target    string
	token     string
	tokenAt   time.Time
}

func (ex *execution) run(ctx context.Context) error {
	codes, err := fallbackCodes(ex.o.db)
	if err != nil {
		return err
	}
	ex.fallback = codes

	if err := ex.transition(ctx, StateRunning); err != nil {
		return err
	}
	ex.log.Info("job started", "attempt", ex.job.Attempt, "direction", ex.job.Direction)

	if err := ex.execute(ctx); err != nil {
		var failure *Failure
		if errors.As(err, &failure) {
			return ex.finishError(ctx, failure)
		}
		return err
	}
	return ex.finishSuccess(ctx)
}

func (ex *execution) execute(ctx context.Context) error {
	if err := ex.checkpoint(ctx); err != nil {
		return err
	}
	if err := ex.resolveTarget(ctx); err != nil {
		return err
	}
	if err := ex.authStage(ctx); err != nil {
		return err
	}
	if err := ex.checkpoint(ctx); err != nil {
		return err
	}

	res, err := ex.requestStage(ctx)
	if err != nil {
		return err
	}
	if res.Empty {
		ex.note("no documents in range")
		return nil
	}

	if err := ex.transition(ctx, StateVerifying); err != nil {
		return err
	}
	v, err := ex.verifyStage(ctx)
	if err != nil {
		return err
	}
	if v.Empty() {
		ex.note("request finished without packages")
		return nil
	}
	return ex.downloadStage(ctx, v)
}

func (ex *execution) fail(reason Reason, err error) *Failure {
	return &Failure{JobID: ex.job.ID, Reason: reason, Err: err}
}

// checkpoint stops the run when the job was cancelled or the service is
// shutting down. It is only consulted between remote calls.
func (ex *execution) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ex.fail(ReasonInterrupted, err)
	}
	cancelled, err := ex.o.db.IsCancelRequested(context.WithoutCancel(ctx), ex.job.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return ex.fail(ReasonCancelled, errors.New("cancelled on request"))
	}
	return nil
}

func (ex *execution) resolveTarget(ctx context.Context) error {
	rfc, err := ex.o.db.GetCompanyRFC(ctx, ex.job.OwnerRef, ex.job.CompanyRef)
	if err != nil {
		return err
	}
	if rfc == "" {
		// a company reference may be the taxpayer id itself
		info := credential.ClassifyRFC(ex.job.CompanyRef, ex.o.clock.Now())
		if !info.Valid {
			return ex.fail(ReasonCompanyNotFound, fmt.Errorf("no rfc known for company %s", ex.job.CompanyRef))
		}
		rfc = info.Normalized
	}
	ex.target = rfc
	return nil
}

func (ex *execution) authStage(ctx context.Context) error {
	ex.startStage(StageAuth)
	err := ex.authenticate(ctx)
	ex.endStage(ctx, StageAuth, nil)
	if err != nil {
		return err
	}

	if ex.requester != ex.target {
		ex.note(fmt.Sprintf("certificate rfc %s differs from company rfc %s, the request needs third party authorization", ex.requester, ex.target))
	}
	return ex.save(ctx)
}

// authenticate loads fresh credentials, signs and trades the envelope for a
// token. Key material is zeroed as soon as signing returns.
func (ex *execution) authenticate(ctx context.Context) error {
	bundle, err := ex.o.creds.Load(ctx, ex.job.OwnerRef)
	if err != nil {
		return ex.credentialFailure(err)
	}
	if bundle.Operational() {
		ex.credentialWarning(WarningOperationalCertificate,
			"certificate looks like a seal (CSD) certificate, authentication needs the e.firma certificate")
	}
	if bundle.ExpiresSoon() {
		ex.credentialWarning(WarningCertificateExpiresSoon,
			fmt.Sprintf("certificate expires on %s", bundle.Certificate().NotAfter.Format(time.DateOnly)))
	}
	if ex.requester == "" {
		ex.requester = bundle.RFC()
		if ex.requester == "" {
			ex.requester = ex.target
			ex.note("certificate carries no rfc, using the company rfc as requester")
		}
	}

	env, err := ex.o.signer.SignAuthentication(bundle)
	bundle.Zero()
	if err != nil {
		return ex.signingFailure(err)
	}

	token, err := ex.o.remote.Authenticate(ctx, env)
	if err != nil {
		return ex.remoteFailure(ctx, "authenticate", err)
	}
	ex.token, ex.tokenAt = token, ex.o.clock.Now()
	ex.log.Info("authenticated", "token_len", len(token))
	return nil
}

func (ex *execution) refreshToken(ctx context.Context) error {
	ttl := ex.o.poll.TokenTTL
	if ttl <= 0 || ex.o.clock.Since(ex.tokenAt) < ttl {
		return nil
	}
	ex.log.Info("token expired, authenticating again")
	return ex.authenticate(ctx)
}

func (ex *execution) requestStage(ctx context.Context) (sat.RequestResult, error) {
	ex.startStage(StageRequest)

	kind := sat.KindFullDocument
	if ex.job.FallbackFromFull {
		kind = sat.KindMetadataOnly
	}

	res, meta, err := ex.request(ctx, kind)
	var fault *sat.RequestFault
	if err != nil && kind == sat.KindFullDocument && errors.As(err, &fault) && ex.fallback[fault.Code] {
		ex.review("request", fault.Code, fault.Known)
		ex.job.Meta.RequestFirst = meta
		ex.job.Meta.RequestError = err.Error()
		ex.job.FallbackFromFull = true
		ex.o.recorder.FallbackTriggered()
		ex.note(fmt.Sprintf("full document request rejected with %s, falling back to metadata", fault.Code))
		ex.log.Warn("falling back to metadata request", "code", fault.Code, "message", fault.Message)

		if err := ex.checkpoint(ctx); err != nil {
			ex.endStage(ctx, StageRequest, nil)
			return sat.RequestResult{}, err
		}
		kind = sat.KindMetadataOnly
		res, meta, err = ex.request(ctx, kind)
		if err != nil {
			ex.job.Meta.Fallback = meta
			ex.job.Meta.FallbackError = err.Error()
			ex.endStage(ctx, StageRequest, map[string]any{"code": meta.Code, "kind": string(kind), "fallback": true})
			return sat.RequestResult{}, ex.remoteFailure(ctx, "request", err)
		}
	} else if err != nil {
		ex.job.Meta.Request = meta
		ex.endStage(ctx, StageRequest, map[string]any{"code": meta.Code, "kind": string(kind), "fallback": ex.job.FallbackFromFull})
		return sat.RequestResult{}, ex.remoteFailure(ctx, "request", err)
	}

	ex.job.Meta.Request = meta
	ex.job.FinalKind = kind
	ex.job.RequestID = res.RequestID
	ex.o.recorder.RemoteCode("request", res.Code, true)
	ex.endStage(ctx, StageRequest, map[string]any{"code": res.Code, "kind": string(kind), "fallback": ex.job.FallbackFromFull, "empty": res.Empty})
	ex.log.Info("request accepted", "request_id", res.RequestID, "code", res.Code, "kind", kind, "empty", res.Empty)
	return res, ex.save(ctx)
}

func (ex *execution) request(ctx context.Context, kind sat.Kind) (sat.RequestResult, *RequestMeta, error) {
	req := sat.BatchRequest{
		RequesterRFC: ex.requester,
		TargetRFC:    ex.target,
		Direction:    ex.job.Direction,
		From:         ex.job.DateFrom,
		To:           ex.job.DateTo,
		Kind:         kind,
	}
	meta := &RequestMeta{
		Kind:         string(kind),
		RequesterRFC: ex.requester,
		TargetRFC:    ex.target,
		DateFrom:     ex.job.DateFrom.Format(time.DateOnly),
		DateTo:       ex.job.DateTo.Format(time.DateOnly),
	}

	res, err := ex.o.remote.RequestBatch(ctx, ex.token, req)
	meta.Code, meta.Message, meta.RequestID = res.Code, res.Message, res.RequestID
	var fault *sat.RequestFault
	if errors.As(err, &fault) {
		meta.Code, meta.Message = fault.Code, fault.Message
	}
	return res, meta, err
}

func (ex *execution) verifyStage(ctx context.Context) (sat.Verification, error) {
	ex.startStage(StageVerify)
	deadline := ex.o.clock.Now().Add(ex.o.poll.Timeout)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ex.checkpoint(ctx); err != nil {
			ex.endStage(ctx, StageVerify, nil)
			return sat.Verification{}, err
		}
		if err := ex.refreshToken(ctx); err != nil {
			ex.endStage(ctx, StageVerify, nil)
			return sat.Verification{}, err
		}

		v, err := ex.o.remote.VerifyBatch(ctx, ex.token, ex.requester, ex.job.RequestID)
		ex.observe(v, err)

		var transport *sat.TransportError
		switch {
		case err != nil && errors.As(err, &transport) && ctx.Err() == nil:
			lastErr = err
			ex.log.Warn("verification failed, polling again", "attempt", attempt, "err", err)
		case err != nil:
			ex.endStage(ctx, StageVerify, nil)
			return sat.Verification{}, ex.remoteFailure(ctx, "verify", err)
		default:
			lastErr = nil
			if v.StateCode != "" {
				ex.review("verify", v.StateCode, sat.IsKnownCode(v.StateCode))
			}
			detail := map[string]any{"polls": attempt, "estado": v.State, "codigo_estado": v.StateCode, "packages": len(v.PackageIDs)}
			switch v.Status {
			case sat.StatusReady:
				ex.job.PackageIDs = slices.Clone(v.PackageIDs)
				ex.job.TotalFound = max(ex.job.TotalFound, v.ReportedCount)
				ex.endStage(ctx, StageVerify, detail)
				ex.log.Info("request ready", "packages", len(v.PackageIDs), "reported", v.ReportedCount, "polls", attempt)
				return v, ex.save(ctx)
			case sat.StatusRejected:
				ex.endStage(ctx, StageVerify, detail)
				return v, ex.fail(ReasonVerifyRejected, fmt.Errorf("request rejected: EstadoSolicitud=%s CodigoEstadoSolicitud=%s %s", v.State, v.StateCode, v.Message))
			case sat.StatusExpired:
				ex.endStage(ctx, StageVerify, detail)
				return v, ex.fail(ReasonVerifyExpired, fmt.Errorf("request expired: %s", v.Message))
			}
		}

		if err := ex.save(ctx); err != nil {
			return sat.Verification{}, err
		}

		if attempt >= ex.o.poll.MaxAttempts || !ex.o.clock.Now().Before(deadline) {
			ex.endStage(ctx, StageVerify, map[string]any{"polls": attempt})
			if lastErr != nil {
				return sat.Verification{}, ex.remoteFailure(ctx, "verify", lastErr)
			}
			return sat.Verification{}, ex.fail(ReasonVerifyTimeout, fmt.Errorf("request not ready after %d polls", attempt))
		}

		select {
		case <-ctx.Done():
			ex.endStage(ctx, StageVerify, nil)
			return sat.Verification{}, ex.fail(ReasonInterrupted, ctx.Err())
		case <-ex.o.clock.After(ex.o.poll.Interval):
		}
	}
}

func (ex *execution) observe(v sat.Verification, err error) {
	if len(ex.job.Meta.VerifyTrace) >= maxTrace {
		return
	}
	obs := Observation{
		At:        ex.o.clock.Now().UTC(),
		Status:    string(v.Status),
		State:     v.State,
		StateCode: v.StateCode,
		Packages:  len(v.PackageIDs),
	}
	if err != nil {
		obs.Error = err.Error()
	}
	ex.job.Meta.VerifyTrace = append(ex.job.Meta.VerifyTrace, obs)
}

// downloadStage fetches every package in order. A failed package does not
// stop the others; documents already stored stay stored.
func (ex *execution) downloadStage(ctx context.Context, v sat.Verification) error {
	ex.startStage(StageDownload)
	decoder := pkgdecode.NewDecoder()

	var (
		failed  []string
		lastErr error
	)
	for _, id := range v.PackageIDs {
		if err := ex.checkpoint(ctx); err != nil {
			ex.endStage(ctx, StageDownload, nil)
			return err
		}
		if err := ex.refreshToken(ctx); err != nil {
			ex.endStage(ctx, StageDownload, nil)
			return err
		}

		raw, err := ex.o.remote.DownloadPackage(ctx, ex.token, ex.requester, id)
		if err != nil {
			if ctx.Err() != nil {
				ex.endStage(ctx, StageDownload, nil)
				return ex.fail(ReasonInterrupted, err)
			}
			ex.reviewErr("download", err)
			ex.log.Warn("package download failed", "package", id, "err", err)
			failed, lastErr = append(failed, id), err
			continue
		}

		stats, err := decoder.Decode(raw, func(doc pkgdecode.Document) error {
			return ex.store(ctx, doc)
		})
		ex.applyStats(decoder.Total())
		if errors.Is(err, pkgdecode.ErrNotAPackage) {
			ex.log.Warn("package is not readable", "package", id, "err", err)
			failed, lastErr = append(failed, id), err
			continue
		}
		if err != nil {
			ex.endStage(ctx, StageDownload, nil)
			if ctx.Err() != nil {
				return ex.fail(ReasonInterrupted, err)
			}
			return ex.fail(ReasonPersistence, err)
		}
		ex.log.Info("package stored", "package", id, "emitted", stats.Emitted, "duplicates", stats.Duplicates, "skipped", stats.Skipped)

		if err := ex.save(ctx); err != nil {
			return err
		}
	}

	ex.job.Meta.FailedPackages = failed
	ex.endStage(ctx, StageDownload, map[string]any{
		"packages":   len(v.PackageIDs),
		"failed":     len(failed),
		"downloaded": ex.job.TotalDownloaded,
		"duplicates": ex.job.Duplicates,
		"skipped":    ex.job.Skipped,
	})
	if len(failed) > 0 {
		return ex.fail(ReasonPartialDownload, fmt.Errorf("%d of %d packages failed, last: %w", len(failed), len(v.PackageIDs), lastErr))
	}
	return nil
}

func (ex *execution) store(ctx context.Context, doc pkgdecode.Document) error {
	err := ex.o.sink.UpsertDocument(ctx, persistence.DocumentRecord{
		JobID:      ex.job.ID,
		OwnerRef:   ex.job.OwnerRef,
		CompanyRef: ex.job.CompanyRef,
		UUID:       doc.UUID,
		Type:       doc.Type,
		Format:     string(doc.Format),
		Direction:  string(ex.job.Direction),
		Payload:    doc.Payload,
		UpdatedAt:  ex.o.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ex.o.recorder.DocumentsStored(string(doc.Format), 1)
	return nil
}

// applyStats keeps total_downloaded <= total_found.
func (ex *execution) applyStats(total pkgdecode.Stats) {
	ex.job.TotalDownloaded = total.Emitted
	ex.job.Duplicates = total.Duplicates
	ex.job.Skipped = total.Skipped
	ex.job.TotalFound = max(ex.job.TotalFound, ex.job.TotalDownloaded)
}

func (ex *execution) credentialFailure(err error) error {
	switch {
	case errors.Is(err, credential.ErrNotFound):
		return ex.fail(ReasonCredentialNotFound, err)
	case errors.Is(err, credential.ErrExpired):
		return ex.fail(ReasonCredentialExpired, err)
	case errors.Is(err, credential.ErrKeyMismatch):
		return ex.fail(ReasonSigningKeyMismatch, err)
	case errors.Is(err, credential.ErrFormatInvalid):
		return ex.fail(ReasonCredentialInvalid, err)
	}
	return ex.fail(ReasonInternal, fmt.Errorf("failed to load credentials: %w", err))
}

func (ex *execution) signingFailure(err error) error {
	switch {
	case errors.Is(err, signer.ErrSigningKeyMismatch):
		return ex.fail(ReasonSigningKeyMismatch, err)
	case errors.Is(err, signer.ErrUnsupportedAlgorithm):
		return ex.fail(ReasonUnsupportedAlgorithm, err)
	}
	return ex.fail(ReasonInternal, fmt.Errorf("failed to sign: %w", err))
}

func (ex *execution) remoteFailure(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ex.fail(ReasonInterrupted, err)
	}
	ex.reviewErr(op, err)

	var (
		auth      *sat.AuthFault
		fault     *sat.RequestFault
		transport *sat.TransportError
	)
	switch {
	case errors.As(err, &auth):
		return ex.fail(ReasonAuthFault, err)
	case errors.As(err, &fault):
		return ex.fail(ReasonRequestFault, err)
	case errors.As(err, &transport):
		return ex.fail(ReasonTransport, err)
	}
	return ex.fail(ReasonInternal, err)
}

func (ex *execution) reviewErr(op string, err error) {
	var (
		auth        *sat.AuthFault
		fault       *sat.RequestFault
		unavailable *sat.PackageUnavailableError
	)
	switch {
	case errors.As(err, &auth):
		ex.o.recorder.RemoteCode(op, auth.Code, true)
	case errors.As(err, &fault):
		ex.review(op, fault.Code, fault.Known)
	case errors.As(err, &unavailable):
		ex.review(op, unavailable.Code, sat.IsKnownCode(unavailable.Code))
	}
}

// review counts a remote code and flags the ones without defined handling.
func (ex *execution) review(op, code string, known bool) {
	ex.o.recorder.RemoteCode(op, code, known)
	if known {
		return
	}
	ex.log.Warn("unreviewed remote code", "operation", op, "code", code, "review", true)
	entry := op + ":" + code
	if !slices.Contains(ex.job.Meta.UnreviewedCodes, entry) {
		ex.job.Meta.UnreviewedCodes = append(ex.job.Meta.UnreviewedCodes, entry)
	}
}

// credentialWarning records a warning once per job, even when the token is
// refreshed with the same credential.
func (ex *execution) credentialWarning(warning, msg string) {
	if slices.Contains(ex.job.Meta.CredentialWarnings, warning) {
		return
	}
	ex.job.Meta.CredentialWarnings = append(ex.job.Meta.CredentialWarnings, warning)
	ex.note(msg)
}

func (ex *execution) note(msg string) {
	ex.job.Meta.Notes = append(ex.job.Meta.Notes, msg)
}

func (ex *execution) startStage(s Stage) {
	if ex.job.Stages == nil {
		ex.job.Stages = make(map[Stage]Span)
	}
	ex.job.Stages[s] = Span{StartedAt: ex.o.clock.Now().UTC()}
}

func (ex *execution) endStage(ctx context.Context, s Stage, detail map[string]any) {
	span := ex.job.Stages[s]
	now := ex.o.clock.Now().UTC()
	d := now.Sub(span.StartedAt)
	span.FinishedAt = &now
	span.DurationMs = d.Milliseconds()
	ex.job.Stages[s] = span

	ex.o.recorder.StageObserved(s, d)
	ex.event(ctx, string(s), span.DurationMs, detail)
}

// event appends to the job history. History is best effort and never fails
// the job.
func (ex *execution) event(ctx context.Context, stage string, durationMs int64, detail map[string]any) {
	err := ex.o.sink.AppendJobEvent(context.WithoutCancel(ctx), persistence.JobEvent{
		JobID:      ex.job.ID,
		Stage:      stage,
		State:      string(ex.job.State),
		DurationMs: durationMs,
		Detail:     detail,
		At:         ex.o.clock.Now().UTC(),
	})
	if err != nil {
		ex.log.Warn("failed to append job event", "stage", stage, "err", err)
	}
}

func (ex *execution) transition(ctx context.Context, to State) error {
	if !canTransition(ex.job.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ex.job.State, to)
	}
	ex.job.State = to
	return ex.save(ctx)
}

// save writes the in-memory job. The write outlives ctx so a shutdown never
// leaves a half-recorded stage behind.
func (ex *execution) save(ctx context.Context) error {
	if ex.stale {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, ex.job.ID)
	}
	ex.job.UpdatedAt = ex.o.clock.Now().UTC()
	err := ex.o.db.UpdateJob(context.WithoutCancel(ctx), &ex.job)
	if errors.Is(err, ErrConcurrentModification) {
		ex.stale = true
		ex.log.Warn("stale execution aborted", "version", ex.job.Version)
	}
	return err
}

func (ex *execution) finishSuccess(ctx context.Context) error {
	if err := ex.transition(ctx, StateSuccess); err != nil {
		return err
	}
	ex.o.recorder.JobFinished(StateSuccess, "")
	ex.event(ctx, "finished", 0, map[string]any{
		"total_found":      ex.job.TotalFound,
		"total_downloaded": ex.job.TotalDownloaded,
		"fallback":         ex.job.FallbackFromFull,
	})
	ex.log.Info("job finished", "found", ex.job.TotalFound, "downloaded", ex.job.TotalDownloaded,
		"duplicates", ex.job.Duplicates, "skipped", ex.job.Skipped, "fallback", ex.job.FallbackFromFull)
	return nil
}

// finishError records the failure even when ctx is already cancelled.
func (ex *execution) finishError(ctx context.Context, failure *Failure) error {
	ctx = context.WithoutCancel(ctx)
	ex.job.Reason = failure.Reason
	ex.job.LastError = failure.Err.Error()
	if err := ex.transition(ctx, StateError); err != nil {
		return err
	}
	ex.o.recorder.JobFinished(StateError, failure.Reason)
	ex.event(ctx, "finished", 0, map[string]any{
		"reason":           string(failure.Reason),
		"error":            ex.job.LastError,
		"total_found":      ex.job.TotalFound,
		"total_downloaded": ex.job.TotalDownloaded,
	})
	ex.log.Warn("job failed", "reason", failure.Reason, "err", failure.Err)
	return failure
}
