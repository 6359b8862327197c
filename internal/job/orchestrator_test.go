package job_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/cfdi-descarga/internal/credential"
	"github.com/gateway-fm/cfdi-descarga/internal/credential/credentialtest"
	"github.com/gateway-fm/cfdi-descarga/internal/job"
	"github.com/gateway-fm/cfdi-descarga/internal/persistence"
	"github.com/gateway-fm/cfdi-descarga/internal/sat"
	"github.com/gateway-fm/cfdi-descarga/internal/sat/sattest"
	"github.com/gateway-fm/cfdi-descarga/internal/signer"
)

const (
	owner   = "owner-1"
	company = "company-1"

	uuid1 = "5FB2822E-396D-4725-8521-CDC4BDD20CCF"
	uuid2 = "7A3B9C1D-2E4F-4A5B-8C6D-7E8F9A0B1C2D"
	uuid3 = "0C1D2E3F-4A5B-4C6D-9E8F-A0B1C2D3E4F5"
	uuid4 = "9E8D7C6B-5A49-4837-A261-504F3E2D1C0B"
)

type recorder struct {
	mu        sync.Mutex
	finished  map[job.Reason]int
	stored    int
	fallbacks int
	codes     map[string]bool
}

func (r *recorder) StageObserved(job.Stage, time.Duration) {}

func (r *recorder) JobFinished(_ job.State, reason job.Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[reason]++
}

func (r *recorder) DocumentsStored(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored += n
}

func (r *recorder) RemoteCode(operation, code string, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[operation+":"+code] = known
}

func (r *recorder) FallbackTriggered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks++
}

type harness struct {
	fake     *sattest.Server
	db       job.Db
	store    *job.SqliteStore
	sink     *persistence.SqliteSink
	creds    credentialtest.MemoryStore
	svc      *job.Service
	recorder *recorder
	poll     job.PollConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := persistence.OpenSqlite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := job.NewSqliteStore(db)
	require.NoError(t, err)
	sink, err := persistence.NewSqliteSink(db)
	require.NoError(t, err)

	h := &harness{
		fake:     sattest.Start(t),
		db:       store,
		store:    store,
		sink:     sink,
		creds:    credentialtest.MemoryStore{owner: credentialtest.New(t, credentialtest.Options{})},
		svc:      job.NewService(store, clockwork.NewRealClock()),
		recorder: &recorder{finished: map[job.Reason]int{}, codes: map[string]bool{}},
		poll: job.PollConfig{
			Interval:    time.Millisecond,
			MaxAttempts: 5,
			Timeout:     10 * time.Second,
		},
	}
	require.NoError(t, store.SetCompanyRFC(context.Background(), owner, company, credentialtest.DefaultRFC))
	return h
}

func (h *harness) orchestrator() *job.Orchestrator {
	clock := clockwork.NewRealClock()
	return job.NewOrchestrator(job.Deps{
		Db:          h.db,
		Credentials: credential.NewLoader(h.creds, clock),
		Signer:      signer.New(clock),
		Remote: sat.NewClient(h.fake.URLs(), sat.Options{
			Timeout:      5 * time.Second,
			RetryMax:     1,
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: 2 * time.Millisecond,
		}),
		Sink:     h.sink,
		Recorder: h.recorder,
		Clock:    clock,
	}, h.poll, 4)
}

func (h *harness) submit(t *testing.T, companyRef string) string {
	t.Helper()
	id, err := h.svc.SubmitJob(context.Background(), job.SubmitRequest{
		OwnerRef:   owner,
		CompanyRef: companyRef,
		Direction:  sat.DirectionReceived,
		DateFrom:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DateTo:     time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return id
}

func (h *harness) run(t *testing.T, id string) (job.RetrievalJob, error) {
	t.Helper()
	err := h.orchestrator().Run(context.Background(), id)
	j, getErr := h.store.GetJob(context.Background(), id)
	require.NoError(t, getErr)
	return j, err
}

func (h *harness) accept(requestID string, packages ...string) {
	h.fake.SetRequest("CFDI", sattest.RequestReply{Code: sat.CodeAccepted, ID: requestID, Message: "Solicitud Aceptada"})
	h.fake.SetVerifications(
		sattest.VerifyReply{State: "1", StateCode: sat.CodeAccepted},
		sattest.VerifyReply{State: "3", StateCode: sat.CodeAccepted, Count: 3, PackageIDs: packages},
	)
}

func requireFailure(t *testing.T, err error, reason job.Reason) {
	t.Helper()
	var failure *job.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, reason, failure.Reason)
}

func Test_RunEmptyResult(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, company)

	j, err := h.run(t, id)
	require.NoError(t, err)

	assert.Equal(t, job.StateSuccess, j.State)
	assert.Zero(t, j.TotalFound)
	assert.Zero(t, j.TotalDownloaded)
	assert.Equal(t, sat.KindFullDocument, j.FinalKind)
	assert.Zero(t, h.fake.Calls(sattest.OpVerify))
	assert.Zero(t, h.fake.Calls(sattest.OpDownload))

	_, ok := j.StageMs(job.StageAuth)
	assert.True(t, ok)
	_, ok = j.StageMs(job.StageRequest)
	assert.True(t, ok)
	_, ok = j.StageMs(job.StageVerify)
	assert.False(t, ok)

	require.NotNil(t, j.Meta.Request)
	assert.Equal(t, sat.CodeNoData, j.Meta.Request.Code)
	assert.Equal(t, credentialtest.DefaultRFC, j.Meta.Request.RequesterRFC)
	assert.Equal(t, "2024-01-01", j.Meta.Request.DateFrom)

	events, err := h.sink.JobEvents(context.Background(), id)
	require.NoError(t, err)
	var stages []string
	for _, ev := range events {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []string{"auth", "request", "finished"}, stages)
}

func Test_RunAuthFault(t *testing.T) {
	h := newHarness(t)
	h.fake.SetAuthFault(&sattest.Fault{Code: "a:FailedAuthentication", Message: "El certificado fue revocado"})
	id := h.submit(t, company)

	j, err := h.run(t, id)
	requireFailure(t, err, job.ReasonAuthFault)

	var fault *sat.AuthFault
	assert.ErrorAs(t, err, &fault)
	assert.Equal(t, job.StateError, j.State)
	assert.Equal(t, job.ReasonAuthFault, j.Reason)
	assert.Contains(t, j.LastError, "revocado")
	assert.Zero(t, h.fake.Calls(sattest.OpRequest))
	assert.Zero(t, h.fake.Calls(sattest.OpVerify))
	_, ok := j.Stages[job.StageRequest]
	assert.False(t, ok)
	assert.Equal(t, 1, h.recorder.finished[job.ReasonAuthFault])
}

func Test_RunRecordsCredentialWarnings(t *testing.T) {
	var tests = map[string]struct {
		opts         credentialtest.Options
		authFault    bool
		wantWarnings []string
	}{
		"seal certificate rejected": {
			opts:         credentialtest.Options{CommonName: "SELLO DIGITAL EMPRESA"},
			authFault:    true,
			wantWarnings: []string{job.WarningOperationalCertificate},
		},
		"expiring certificate": {
			opts: credentialtest.Options{
				NotBefore: time.Now().Add(-365 * 24 * time.Hour),
				NotAfter:  time.Now().Add(10 * 24 * time.Hour),
			},
			wantWarnings: []string{job.WarningCertificateExpiresSoon},
		},
		"advanced signature certificate": {},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.creds = credentialtest.MemoryStore{owner: credentialtest.New(t, test.opts)}
			if test.authFault {
				h.fake.SetAuthFault(&sattest.Fault{Code: "a:FailedAuthentication", Message: "El certificado no es de FIEL"})
			}
			id := h.submit(t, company)

			j, err := h.run(t, id)
			if test.authFault {
				requireFailure(t, err, job.ReasonAuthFault)
				assert.Contains(t, j.LastError, "no es de FIEL")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, test.wantWarnings, j.Meta.CredentialWarnings)
			if len(test.wantWarnings) > 0 {
				assert.NotEmpty(t, j.Meta.Notes)
			}
		})
	}
}

func Test_RunCredentialFailures(t *testing.T) {
	var tests = map[string]struct {
		creds      func(t *testing.T) credentialtest.MemoryStore
		wantReason job.Reason
	}{
		"missing": {
			creds:      func(*testing.T) credentialtest.MemoryStore { return credentialtest.MemoryStore{} },
			wantReason: job.ReasonCredentialNotFound,
		},
		"key of another certificate": {
			creds: func(t *testing.T) credentialtest.MemoryStore {
				fx := credentialtest.New(t, credentialtest.Options{})
				other := credentialtest.New(t, credentialtest.Options{})
				fx.KeyDER = other.KeyDER
				return credentialtest.MemoryStore{owner: fx}
			},
			wantReason: job.ReasonSigningKeyMismatch,
		},
		"expired": {
			creds: func(t *testing.T) credentialtest.MemoryStore {
				return credentialtest.MemoryStore{owner: credentialtest.New(t, credentialtest.Options{
					NotBefore: time.Now().Add(-3 * 365 * 24 * time.Hour),
					NotAfter:  time.Now().Add(-24 * time.Hour),
				})}
			},
			wantReason: job.ReasonCredentialExpired,
		},
		"wrong passphrase": {
			creds: func(t *testing.T) credentialtest.MemoryStore {
				fx := credentialtest.New(t, credentialtest.Options{})
				fx.Passphrase = "not-the-passphrase"
				return credentialtest.MemoryStore{owner: fx}
			},
			wantReason: job.ReasonCredentialInvalid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.creds = test.creds(t)
			id := h.submit(t, company)

			j, err := h.run(t, id)
			requireFailure(t, err, test.wantReason)
			assert.Equal(t, job.StateError, j.State)
			assert.Zero(t, h.fake.Calls(sattest.OpAuthenticate), "nothing is sent without a usable credential")
		})
	}
}

func Test_RunCompanyResolution(t *testing.T) {
	h := newHarness(t)

	unknown := h.submit(t, "company-unknown")
	j, err := h.run(t, unknown)
	requireFailure(t, err, job.ReasonCompanyNotFound)
	assert.Equal(t, job.StateError, j.State)
	assert.Zero(t, h.fake.Calls(sattest.OpAuthenticate))

	byRFC := h.submit(t, "XAXX010101000")
	j, err = h.run(t, byRFC)
	require.NoError(t, err)
	assert.Equal(t, "XAXX010101000", j.Meta.Request.TargetRFC)
	assert.NotEmpty(t, j.Meta.Notes, "requester and target differ")

	seen := h.fake.Requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "XAXX010101000", seen[0].Target)
	assert.Equal(t, "RfcReceptor", seen[0].TargetAttr)
	assert.Equal(t, credentialtest.DefaultRFC, seen[0].RequesterRFC)
}

func Test_RunDownloadsPackages(t *testing.T) {
	h := newHarness(t)
	h.accept("req-1", "req-1_01", "req-1_02")
	h.fake.SetPackage("req-1_01", sattest.PackageReply{Data: sattest.Zip(t,
		sattest.File{Name: uuid1 + ".xml", Data: sattest.CFDI(uuid1, "I")},
		sattest.File{Name: uuid2 + ".xml", Data: sattest.CFDI(uuid2, "E")},
	)})
	h.fake.SetPackage("req-1_02", sattest.PackageReply{Data: sattest.Zip(t,
		sattest.File{Name: uuid2 + ".xml", Data: sattest.CFDI(uuid2, "E")},
		sattest.File{Name: uuid3 + ".xml", Data: sattest.CFDI(uuid3, "P")},
		sattest.File{Name: "notes.pdf", Data: []byte("%PDF")},
	)})
	id := h.submit(t, company)

	j, err := h.run(t, id)
	require.NoError(t, err)

	assert.Equal(t, job.StateSuccess, j.State)
	assert.Equal(t, "req-1", j.RequestID)
	assert.Equal(t, []string{"req-1_01", "req-1_02"}, j.PackageIDs)
	assert.Equal(t, 3, j.TotalDownloaded)
	assert.Equal(t, 1, j.Duplicates)
	assert.Equal(t, 1, j.Skipped)
	assert.Equal(t, 3, j.TotalFound)
	assert.LessOrEqual(t, j.TotalDownloaded, j.TotalFound)
	assert.Len(t, j.Meta.VerifyTrace, 2)
	assert.Equal(t, 2, h.fake.Calls(sattest.OpVerify))

	for _, s := range []job.Stage{job.StageAuth, job.StageRequest, job.StageVerify, job.StageDownload} {
		_, ok := j.StageMs(s)
		assert.True(t, ok, "stage %s recorded", s)
	}

	docs, err := h.sink.Documents(context.Background(), owner, company)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for _, d := range docs {
		assert.Equal(t, "xml", d.Format)
		assert.Equal(t, id, d.JobID)
		assert.Equal(t, "received", d.Direction)
		assert.NotEmpty(t, d.Payload)
	}
	assert.Equal(t, 3, h.recorder.stored)
}

func Test_RunFallsBackToMetadata(t *testing.T) {
	h := newHarness(t)
	h.fake.SetRequest("CFDI", sattest.RequestReply{Code: sat.CodeTooManyResults, Message: "Tope máximo de elementos"})
	h.fake.SetRequest("Metadata", sattest.RequestReply{Code: sat.CodeAccepted, ID: "req-2", Message: "Solicitud Aceptada"})
	h.fake.SetVerifications(sattest.VerifyReply{State: "3", StateCode: sat.CodeAccepted, Count: 2, PackageIDs: []string{"req-2_01"}})
	h.fake.SetPackage("req-2_01", sattest.PackageReply{Data: sattest.Zip(t,
		sattest.File{Name: "req-2_01.txt", Data: sattest.Metadata(uuid1, uuid2)},
	)})
	id := h.submit(t, company)

	j, err := h.run(t, id)
	require.NoError(t, err)

	assert.Equal(t, job.StateSuccess, j.State)
	assert.True(t, j.FallbackFromFull)
	assert.Equal(t, sat.KindMetadataOnly, j.FinalKind)
	require.NotNil(t, j.Meta.RequestFirst)
	assert.Equal(t, sat.CodeTooManyResults, j.Meta.RequestFirst.Code)
	assert.Equal(t, string(sat.KindFullDocument), j.Meta.RequestFirst.Kind)
	assert.NotEmpty(t, j.Meta.RequestError)
	assert.Equal(t, string(sat.KindMetadataOnly), j.Meta.Request.Kind)
	assert.Equal(t, 2, j.TotalDownloaded)
	assert.Equal(t, 1, h.recorder.fallbacks)

	seen := h.fake.Requests()
	require.Len(t, seen, 2)
	assert.Equal(t, "CFDI", seen[0].Kind)
	assert.Equal(t, "Metadata", seen[1].Kind)

	docs, err := h.sink.Documents(context.Background(), owner, company)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "metadata", docs[0].Format)
	assert.Equal(t, "I", docs[0].Type)
}

func Test_RunFallbackFailureKeepsBothAnswers(t *testing.T) {
	h := newHarness(t)
	h.fake.SetRequest("CFDI", sattest.RequestReply{Code: sat.CodeTooManyResults, Message: "Tope máximo de elementos"})
	h.fake.SetRequest("Metadata", sattest.RequestReply{Code: sat.CodeDailyLimit, Message: "Límite de solicitudes"})
	id := h.submit(t, company)

	j, err := h.run(t, id)
	requireFailure(t, err, job.ReasonRequestFault)
	assert.True(t, j.FallbackFromFull)
	require.NotNil(t, j.Meta.RequestFirst)
	require.NotNil(t, j.Meta.Fallback)
	assert.Equal(t, sat.CodeDailyLimit, j.Meta.Fallback.Code)
	assert.NotEmpty(t, j.Meta.FallbackError)
	assert.Len(t, h.fake.Requests(), 2, "fallback is attempted once")
}

func Test_RunFallbackCodesAreConfigurable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetConfigValue(job.ConfigFallbackCodes, "301"))
	h.fake.SetRequest("CFDI", sattest.RequestReply{Code: sat.CodeTooManyResults, Message: "Tope máximo de elementos"})
	id := h.submit(t, company)

	j, err := h.run(t, id)
	requireFailure(t, err, job.ReasonRequestFault)
	assert.False(t, j.FallbackFromFull)
	assert.Len(t, h.fake.Requests(), 1)
}

func Test_RunUnknownRemoteCode(t *testing.T) {
	h := newHarness(t)
	h.fake.SetRequest("CFDI", sattest.RequestReply{Code: "9999", Message: "Algo nuevo"})
	id := h.submit(t, company)

	j, err := h.run(t, id)
	requireFailure(t, err, job.ReasonRequestFault)

	var fault *sat.RequestFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "9999", fault.Code)
	assert.Contains(t, j.LastError, "Algo nuevo")
	assert.Contains(t, j.Meta.UnreviewedCodes, "request:9999")
	assert.False(t, h.recorder.codes["request:9999"])
}

func Test_RunPartialDownload(t *testing.T) {
	h := newHarness(t)
	h.accept("req-1", "req-1_01", "req-1_02", "req-1_03")
	h.fake.SetPackage("req-1_01", sattest.PackageReply{Data: sattest.Zip(t,
		sattest.File{Name: uuid1 + ".xml", Data: sattest.CFDI(uuid1, "I")},
	)})
	// req-1_02 is unknown to the remote side
	h.fake.SetPackage("req-1_03", sattest.PackageReply{Data: sattest.Zip(t,
		sattest.File{Name: uuid3 + ".xml", Data: sattest.CFDI(uuid3, "I")},
		sattest.File{Name: uuid4 + ".xml", Data: sattest.CFDI(uuid4, "I")},
	)})
	id := h.submit(t, company)

	j, err := h.run(t, id)
	requireFailure(t, err, job.ReasonPartialDownload)

	assert.Equal(t, job.StateError, j.State)
	assert.Equal(t, []string{"req-1_02"}, j.Meta.FailedPackages)
	assert.Equal(t, 3, j.TotalDownloaded)
	assert.Equal(t, 3, h.fake.Calls(sattest.OpDownload), "a failed package does not stop the rest")
	assert.ErrorIs(t, err, sat.ErrPackageUnavailable)

	docs, err := h.sink.Documents(context.Background(), owner, company)
	require.NoError(t, err)
	var got []string
	for _, d := range docs {
		got = append(got, d.UUID)
	}
	assert.ElementsMatch(t, []string{uuid1, uuid3, uuid4}, got)
}

func Test_RunCorruptPackage(t *testing.T) {
	h := newHarness(t)
	h.accept("req-1", "req-1_01")
	h.fake.SetPackage("req-1_01", sattest.PackageReply{Data: []byte("not a zip")})
	id := h.submit(t, company)

	j, err := h.run(t, id)
	requireFailure(t, err, job.ReasonPartialDownload)
	assert.Equal(t, []string{"req-1_01"}, j.Meta.FailedPackages)
}

func Test_RunVerifyOutcomes(t *testing.T) {
	var tests = map[string]struct {
		replies    []sattest.VerifyReply
		wantReason job.Reason
		wantPolls  int
	}{
		"rejected": {
			replies:    []sattest.VerifyReply{{State: "5", StateCode: sat.CodeTooManyResults}},
			wantReason: job.ReasonVerifyRejected,
			wantPolls:  1,
		},
		"expired": {
			replies:    []sattest.VerifyReply{{State: "6", StateCode: sat.CodeAccepted}},
			wantReason: job.ReasonVerifyExpired,
			wantPolls:  1,
		},
		"never ready": {
			replies:    []sattest.VerifyReply{{State: "2", StateCode: sat.CodeAccepted}},
			wantReason: job.ReasonVerifyTimeout,
			wantPolls:  5,
		},
		"remote unavailable": {
			replies:    []sattest.VerifyReply{{HTTPStatus: 503}},
			wantReason: job.ReasonTransport,
			wantPolls:  10,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.accept("req-1")
			h.fake.SetVerifications(test.replies...)
			id := h.submit(t, company)

			j, err := h.run(t, id)
			requireFailure(t, err, test.wantReason)
			assert.Equal(t, job.StateError, j.State)
			assert.Equal(t, test.wantPolls, h.fake.Calls(sattest.OpVerify))
			assert.Zero(t, h.fake.Calls(sattest.OpDownload))
			assert.LessOrEqual(t, len(j.Meta.VerifyTrace), 20)
		})
	}
}

func Test_RunCancelWhileVerifying(t *testing.T) {
	h := newHarness(t)
	h.poll.MaxAttempts = 100_000
	h.accept("req-1")
	h.fake.SetVerifications(sattest.VerifyReply{State: "2", StateCode: sat.CodeAccepted})
	id := h.submit(t, company)

	done := make(chan error, 1)
	go func() { done <- h.orchestrator().Run(context.Background(), id) }()

	require.Eventually(t, func() bool { return h.fake.Calls(sattest.OpVerify) > 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, h.svc.CancelJob(context.Background(), id))

	select {
	case err := <-done:
		requireFailure(t, err, job.ReasonCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}

	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StateError, j.State)
	assert.Equal(t, job.ReasonCancelled, j.Reason)
	assert.Zero(t, h.fake.Calls(sattest.OpDownload))
}

func Test_RunInterruptedByShutdown(t *testing.T) {
	h := newHarness(t)
	h.poll.MaxAttempts = 100_000
	h.poll.Interval = 10 * time.Millisecond
	h.accept("req-1")
	h.fake.SetVerifications(sattest.VerifyReply{State: "1", StateCode: sat.CodeAccepted})
	id := h.submit(t, company)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orchestrator().Run(ctx, id) }()

	require.Eventually(t, func() bool { return h.fake.Calls(sattest.OpVerify) > 0 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		requireFailure(t, err, job.ReasonInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("execution ignored shutdown")
	}

	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StateError, j.State, "the failure is stored even after shutdown")
	assert.Equal(t, job.ReasonInterrupted, j.Reason)
}

// racingDb lets another writer in right before the execution moves to
// verifying.
type racingDb struct {
	*job.SqliteStore
	once sync.Once
}

func (r *racingDb) UpdateJob(ctx context.Context, j *job.RetrievalJob) error {
	if j.State == job.StateVerifying {
		r.once.Do(func() {
			other, err := r.SqliteStore.GetJob(ctx, j.ID)
			if err != nil {
				panic(err)
			}
			other.Meta.Notes = append(other.Meta.Notes, "foreign write")
			if err := r.SqliteStore.UpdateJob(ctx, &other); err != nil {
				panic(err)
			}
		})
	}
	return r.SqliteStore.UpdateJob(ctx, j)
}

func Test_RunStaleExecutionStops(t *testing.T) {
	h := newHarness(t)
	h.db = &racingDb{SqliteStore: h.store}
	h.accept("req-1", "req-1_01")
	id := h.submit(t, company)

	j, err := h.run(t, id)
	assert.ErrorIs(t, err, job.ErrConcurrentModification)

	var failure *job.Failure
	assert.False(t, errors.As(err, &failure), "a stale execution records nothing")
	assert.Equal(t, job.StateRunning, j.State)
	assert.Contains(t, j.Meta.Notes, "foreign write")
	assert.Zero(t, h.fake.Calls(sattest.OpVerify))
}

func Test_RunLeavesNonQueuedJobs(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, company)
	require.NoError(t, h.svc.CancelJob(context.Background(), id))

	j, err := h.run(t, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateError, j.State)
	assert.Zero(t, h.fake.Calls(sattest.OpAuthenticate))
}

func Test_RunRefusesLockedJob(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, company)

	locker := job.NewLocalLocker()
	unlock, ok, err := locker.TryLock(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	clock := clockwork.NewRealClock()
	o := job.NewOrchestrator(job.Deps{
		Db:          h.store,
		Locker:      locker,
		Credentials: credential.NewLoader(h.creds, clock),
		Signer:      signer.New(clock),
		Remote:      sat.NewClient(h.fake.URLs(), sat.Options{Timeout: time.Second}),
		Sink:        h.sink,
		Clock:       clock,
	}, h.poll, 1)

	assert.ErrorIs(t, o.Run(context.Background(), id), job.ErrLocked)
	assert.Zero(t, h.fake.Calls(sattest.OpAuthenticate))
}

func Test_RetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.fake.SetAuthFault(&sattest.Fault{Code: "a:FailedAuthentication", Message: "Reloj desfasado"})
	id := h.submit(t, company)

	_, err := h.run(t, id)
	requireFailure(t, err, job.ReasonAuthFault)

	h.fake.SetAuthFault(nil)
	require.NoError(t, h.svc.RetryJob(context.Background(), id))

	j, err := h.run(t, id)
	require.NoError(t, err)
	assert.Equal(t, job.StateSuccess, j.State)
	assert.Equal(t, 1, j.Attempt)
}

func Test_Recover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	running := h.submit(t, company)
	queued := h.submit(t, company)

	j, err := h.store.GetJob(ctx, running)
	require.NoError(t, err)
	j.State = job.StateRunning
	require.NoError(t, h.store.UpdateJob(ctx, &j))

	n, err := h.orchestrator().Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err = h.store.GetJob(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, job.StateError, j.State)
	assert.Equal(t, job.ReasonInterrupted, j.Reason)

	j, err = h.store.GetJob(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, job.StateQueued, j.State)

	require.NoError(t, h.svc.RetryJob(ctx, running))
}

func Test_Dispatch(t *testing.T) {
	h := newHarness(t)
	ids := []string{h.submit(t, company), h.submit(t, company), h.submit(t, company)}

	o := h.orchestrator()
	started, err := o.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, started)
	o.Wait()

	for _, id := range ids {
		j, err := h.store.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, job.StateSuccess, j.State)
	}

	started, err = o.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started, "nothing left in the queue")
}
