package job

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/cfdi-descarga/internal/sat"
)

func newService(t *testing.T) (*Service, *SqliteStore, *int) {
	t.Helper()
	store := newStore(t)
	svc := NewService(store, clockwork.NewFakeClockAt(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)))
	woken := new(int)
	svc.OnQueued(func() { *woken++ })
	return svc, store, woken
}

func Test_ServiceSubmitJob(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

	var tests = map[string]struct {
		req     SubmitRequest
		wantErr error
	}{
		"valid": {
			req: SubmitRequest{OwnerRef: "owner-1", CompanyRef: "company-1", Direction: sat.DirectionIssued, DateFrom: day(1), DateTo: day(31)},
		},
		"single day": {
			req: SubmitRequest{OwnerRef: "owner-1", CompanyRef: "company-1", Direction: sat.DirectionReceived, DateFrom: day(5), DateTo: day(5)},
		},
		"inverted range": {
			req:     SubmitRequest{OwnerRef: "owner-1", CompanyRef: "company-1", Direction: sat.DirectionIssued, DateFrom: day(10), DateTo: day(9)},
			wantErr: ErrInvalidRange,
		},
		"missing owner": {
			req:     SubmitRequest{CompanyRef: "company-1", Direction: sat.DirectionIssued, DateFrom: day(1), DateTo: day(2)},
			wantErr: ErrInvalidRequest,
		},
		"blank company": {
			req:     SubmitRequest{OwnerRef: "owner-1", CompanyRef: "  ", Direction: sat.DirectionIssued, DateFrom: day(1), DateTo: day(2)},
			wantErr: ErrInvalidRequest,
		},
		"bad direction": {
			req:     SubmitRequest{OwnerRef: "owner-1", CompanyRef: "company-1", Direction: "sideways", DateFrom: day(1), DateTo: day(2)},
			wantErr: ErrInvalidRequest,
		},
		"missing dates": {
			req:     SubmitRequest{OwnerRef: "owner-1", CompanyRef: "company-1", Direction: sat.DirectionIssued},
			wantErr: ErrInvalidRequest,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			svc, _, woken := newService(t)
			ctx := context.Background()

			id, err := svc.SubmitJob(ctx, test.req)
			if test.wantErr != nil {
				assert.ErrorIs(t, err, test.wantErr)
				assert.Zero(t, *woken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, *woken)

			j, err := svc.GetJobStatus(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StateQueued, j.State)
			assert.Equal(t, test.req.Direction, j.Direction)
			assert.Equal(t, int64(1), j.Version)
			assert.Zero(t, j.TotalFound)
			assert.Zero(t, j.TotalDownloaded)
		})
	}
}

func Test_ServiceSubmitJobTruncatesToCalendarDate(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	id, err := svc.SubmitJob(ctx, SubmitRequest{
		OwnerRef:   "owner-1",
		CompanyRef: "company-1",
		Direction:  sat.DirectionIssued,
		DateFrom:   time.Date(2024, 1, 1, 18, 30, 0, 0, time.UTC),
		DateTo:     time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err, "same calendar day is a valid range whatever the time")

	j, err := svc.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), j.DateFrom)
	assert.Equal(t, j.DateFrom, j.DateTo)
}

func Test_ServiceGetJobStatusReturnsSnapshot(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	j := queuedJob("job-1")
	j.PackageIDs = []string{"pkg-1"}
	require.NoError(t, store.CreateJob(ctx, j))

	got, err := svc.GetJobStatus(ctx, "job-1")
	require.NoError(t, err)
	got.PackageIDs[0] = "changed"

	again, err := svc.GetJobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg-1"}, again.PackageIDs)
	assert.Equal(t, int64(1), again.Version, "reads never write")

	_, err = svc.GetJobStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_ServiceCancelJob(t *testing.T) {
	var tests = map[string]struct {
		state      State
		reason     Reason
		wantState  State
		wantReason Reason
		wantFlag   bool
	}{
		"queued fails at once": {
			state:      StateQueued,
			wantState:  StateError,
			wantReason: ReasonCancelled,
			wantFlag:   true,
		},
		"running is only flagged": {
			state:     StateRunning,
			wantState: StateRunning,
			wantFlag:  true,
		},
		"verifying is only flagged": {
			state:     StateVerifying,
			wantState: StateVerifying,
			wantFlag:  true,
		},
		"finished is untouched": {
			state:     StateSuccess,
			wantState: StateSuccess,
		},
		"failed is untouched": {
			state:      StateError,
			reason:     ReasonAuthFault,
			wantState:  StateError,
			wantReason: ReasonAuthFault,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			svc, store, _ := newService(t)
			ctx := context.Background()

			j := queuedJob("job-1")
			j.State = test.state
			j.Reason = test.reason
			require.NoError(t, store.CreateJob(ctx, j))

			require.NoError(t, svc.CancelJob(ctx, "job-1"))
			require.NoError(t, svc.CancelJob(ctx, "job-1"), "cancel is idempotent")

			got, err := store.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, test.wantState, got.State)
			assert.Equal(t, test.wantReason, got.Reason)
			assert.Equal(t, test.wantFlag, got.CancelRequested)
		})
	}
}

func Test_ServiceCancelMissingJob(t *testing.T) {
	svc, _, _ := newService(t)
	assert.ErrorIs(t, svc.CancelJob(context.Background(), "missing"), ErrNotFound)
}

func Test_ServiceRetryJob(t *testing.T) {
	svc, store, woken := newService(t)
	ctx := context.Background()

	j := queuedJob("job-1")
	j.State = StateError
	j.Reason = ReasonPartialDownload
	j.LastError = "1 of 3 packages failed"
	j.FallbackFromFull = true
	j.RequestID = "req-1"
	j.PackageIDs = []string{"p1", "p2", "p3"}
	j.TotalFound, j.TotalDownloaded = 3, 2
	j.Meta.FailedPackages = []string{"p2"}
	j.Meta.Notes = []string{"kept"}
	require.NoError(t, store.CreateJob(ctx, j))
	require.NoError(t, store.SetCancelRequested(ctx, "job-1", true))

	require.NoError(t, svc.RetryJob(ctx, "job-1"))
	assert.Equal(t, 1, *woken)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Empty(t, got.Reason)
	assert.Empty(t, got.LastError)
	assert.Empty(t, got.RequestID)
	assert.Empty(t, got.PackageIDs)
	assert.Empty(t, got.Meta.FailedPackages)
	assert.Zero(t, got.TotalDownloaded)
	assert.Equal(t, 1, got.Attempt)
	assert.False(t, got.CancelRequested)
	assert.True(t, got.FallbackFromFull, "a job that fell back stays on metadata")
	assert.Equal(t, []string{"kept"}, got.Meta.Notes)

	assert.ErrorIs(t, svc.RetryJob(ctx, "job-1"), ErrNotRetryable)
}

func Test_ServiceSetCompanyRFC(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetCompanyRFC(ctx, "owner-1", "company-1", " eku9003173c9 "))
	rfc, err := store.GetCompanyRFC(ctx, "owner-1", "company-1")
	require.NoError(t, err)
	assert.Equal(t, "EKU9003173C9", rfc)

	assert.ErrorIs(t, svc.SetCompanyRFC(ctx, "owner-1", "", "EKU9003173C9"), ErrInvalidRequest)
}
