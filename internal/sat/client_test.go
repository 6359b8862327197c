package sat_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/cfdi-descarga/internal/credential"
	"github.com/gateway-fm/cfdi-descarga/internal/credential/credentialtest"
	"github.com/gateway-fm/cfdi-descarga/internal/sat"
	"github.com/gateway-fm/cfdi-descarga/internal/sat/sattest"
	"github.com/gateway-fm/cfdi-descarga/internal/signer"
)

var (
	from = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to   = time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
)

func newClient(endpoints sat.Endpoints) *sat.Client {
	return sat.NewClient(endpoints, sat.Options{
		Timeout:      5 * time.Second,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
}

func signedEnvelope(t *testing.T, clock clockwork.Clock) signer.Envelope {
	t.Helper()
	fx := credentialtest.New(t, credentialtest.Options{})
	bundle, err := credential.Parse(fx.Material(), time.Now())
	require.NoError(t, err)
	env, err := signer.New(clock).SignAuthentication(bundle)
	require.NoError(t, err)
	return env
}

func Test_ClientAuthenticate(t *testing.T) {
	var tests = map[string]struct {
		fault    *sattest.Fault
		clock    clockwork.Clock
		wantCode string
	}{
		"accepted": {
			clock: clockwork.NewRealClock(),
		},
		"explicit fault": {
			fault:    &sattest.Fault{Code: "a:FailedAuthentication", Message: "El certificado no es válido"},
			clock:    clockwork.NewRealClock(),
			wantCode: "FailedAuthentication",
		},
		"stale timestamp": {
			clock:    clockwork.NewFakeClockAt(time.Now().Add(-time.Hour)),
			wantCode: "InvalidSecurity",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fake := sattest.Start(t)
			fake.SetAuthFault(tt.fault)
			client := newClient(fake.URLs())

			token, err := client.Authenticate(context.Background(), signedEnvelope(t, tt.clock))
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, fake.Token(), token)
				return
			}
			var fault *sat.AuthFault
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, tt.wantCode, fault.Code)
			assert.Equal(t, 1, fake.Calls(sattest.OpAuthenticate), "authentication is never retried")
		})
	}
}

func Test_ClientRequestBatch(t *testing.T) {
	var tests = map[string]struct {
		kind      sat.Kind
		reply     sattest.RequestReply
		want      sat.RequestResult
		wantFault string
		wantKnown bool
	}{
		"accepted": {
			kind:  sat.KindFullDocument,
			reply: sattest.RequestReply{Code: "5000", ID: "req-1", Message: "Solicitud Aceptada"},
			want:  sat.RequestResult{RequestID: "req-1", Code: "5000", Message: "Solicitud Aceptada"},
		},
		"duplicate keeps id": {
			kind:  sat.KindFullDocument,
			reply: sattest.RequestReply{Code: "5005", ID: "req-1", Message: "Solicitud duplicada"},
			want:  sat.RequestResult{RequestID: "req-1", Code: "5005", Message: "Solicitud duplicada"},
		},
		"no data": {
			kind:  sat.KindMetadataOnly,
			reply: sattest.RequestReply{Code: "5004", Message: "No se encontró la información"},
			want:  sat.RequestResult{Empty: true, Code: "5004", Message: "No se encontró la información"},
		},
		"too many results": {
			kind:      sat.KindFullDocument,
			reply:     sattest.RequestReply{Code: "5003", Message: "Tope máximo"},
			wantFault: "5003",
			wantKnown: true,
		},
		"seal rejected as fault": {
			kind:      sat.KindFullDocument,
			reply:     sattest.RequestReply{Fault: &sattest.Fault{Code: "a:301", Message: "XML mal formado"}},
			wantFault: "301",
			wantKnown: true,
		},
		"unknown code": {
			kind:      sat.KindFullDocument,
			reply:     sattest.RequestReply{Code: "9999", Message: "algo nuevo"},
			wantFault: "9999",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fake := sattest.Start(t)
			tipo := "CFDI"
			if tt.kind == sat.KindMetadataOnly {
				tipo = "Metadata"
			}
			fake.SetRequest(tipo, tt.reply)
			client := newClient(fake.URLs())

			got, err := client.RequestBatch(context.Background(), fake.Token(), sat.BatchRequest{
				RequesterRFC: "EKU9003173C9",
				TargetRFC:    "EKU9003173C9",
				Direction:    sat.DirectionReceived,
				From:         from,
				To:           to,
				Kind:         tt.kind,
			})
			if tt.wantFault == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			var fault *sat.RequestFault
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, tt.wantFault, fault.Code)
			assert.Equal(t, tt.wantKnown, fault.Known)
		})
	}
}

func Test_ClientRequestBatchWireShape(t *testing.T) {
	fake := sattest.Start(t)
	fake.SetRequest("CFDI", sattest.RequestReply{Code: "5000", ID: "req-1"})
	client := newClient(fake.URLs())

	_, err := client.RequestBatch(context.Background(), fake.Token(), sat.BatchRequest{
		RequesterRFC: "EKU9003173C9",
		TargetRFC:    "XAXX010101000",
		Direction:    sat.DirectionIssued,
		From:         from,
		To:           to,
		Kind:         sat.KindFullDocument,
	})
	require.NoError(t, err)

	seen := fake.Requests()
	require.Len(t, seen, 1)
	assert.Equal(t, sattest.SeenRequest{
		Kind:         "CFDI",
		Target:       "XAXX010101000",
		TargetAttr:   "RfcEmisor",
		RequesterRFC: "EKU9003173C9",
		From:         "2024-01-01T00:00:00",
		To:           "2024-01-31T23:59:59",
		Action:       sat.RequestAction(sat.DirectionIssued),
	}, seen[0])
}

func Test_ClientVerifyBatch(t *testing.T) {
	var tests = map[string]struct {
		reply     sattest.VerifyReply
		want      sat.VerifyStatus
		wantIDs   []string
		wantCount int
		wantFault string
	}{
		"accepted": {
			reply: sattest.VerifyReply{State: "1", StateCode: "5000"},
			want:  sat.StatusInProgress,
		},
		"in progress": {
			reply: sattest.VerifyReply{State: "2", StateCode: "5000"},
			want:  sat.StatusInProgress,
		},
		"finished with packages": {
			reply:     sattest.VerifyReply{State: "3", StateCode: "5000", Count: 12, PackageIDs: []string{"pkg_01", "pkg_02"}},
			want:      sat.StatusReady,
			wantIDs:   []string{"pkg_01", "pkg_02"},
			wantCount: 12,
		},
		"finished without data": {
			reply: sattest.VerifyReply{State: "5", StateCode: "5004"},
			want:  sat.StatusReady,
		},
		"error state": {
			reply: sattest.VerifyReply{State: "4", StateCode: "5000"},
			want:  sat.StatusRejected,
		},
		"rejected for volume": {
			reply: sattest.VerifyReply{State: "5", StateCode: "5003"},
			want:  sat.StatusRejected,
		},
		"daily limit": {
			reply: sattest.VerifyReply{State: "5", StateCode: "5011"},
			want:  sat.StatusRejected,
		},
		"expired": {
			reply: sattest.VerifyReply{State: "6", StateCode: "5000"},
			want:  sat.StatusExpired,
		},
		"outer code rejected": {
			reply:     sattest.VerifyReply{Code: "300", Message: "Usuario no válido"},
			wantFault: "300",
		},
		"unknown state": {
			reply:     sattest.VerifyReply{State: "9", StateCode: "5000"},
			wantFault: "EstadoSolicitud=9",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fake := sattest.Start(t)
			fake.SetVerifications(tt.reply)
			client := newClient(fake.URLs())

			got, err := client.VerifyBatch(context.Background(), fake.Token(), "EKU9003173C9", "req-1")
			if tt.wantFault != "" {
				var fault *sat.RequestFault
				require.ErrorAs(t, err, &fault)
				assert.Equal(t, tt.wantFault, fault.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.wantIDs, got.PackageIDs)
			assert.Equal(t, tt.wantCount, got.ReportedCount)
		})
	}
}

func Test_ClientVerifyRetriesUnavailable(t *testing.T) {
	fake := sattest.Start(t)
	fake.SetVerifications(
		sattest.VerifyReply{HTTPStatus: http.StatusServiceUnavailable},
		sattest.VerifyReply{State: "3", StateCode: "5000", PackageIDs: []string{"pkg_01"}},
	)
	client := newClient(fake.URLs())

	got, err := client.VerifyBatch(context.Background(), fake.Token(), "EKU9003173C9", "req-1")
	require.NoError(t, err)
	assert.Equal(t, sat.StatusReady, got.Status)
	assert.Equal(t, 2, fake.Calls(sattest.OpVerify))
}

func Test_ClientVerifyGivesUp(t *testing.T) {
	fake := sattest.Start(t)
	fake.SetVerifications(sattest.VerifyReply{HTTPStatus: http.StatusBadGateway})
	client := newClient(fake.URLs())

	_, err := client.VerifyBatch(context.Background(), fake.Token(), "EKU9003173C9", "req-1")
	var transport *sat.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, 3, fake.Calls(sattest.OpVerify))
}

func Test_ClientDownloadPackage(t *testing.T) {
	var tests = map[string]struct {
		reply           *sattest.PackageReply
		wantData        []byte
		wantUnavailable bool
		wantFault       string
	}{
		"served": {
			reply:    &sattest.PackageReply{Data: []byte("PK\x03\x04zip")},
			wantData: []byte("PK\x03\x04zip"),
		},
		"unknown package": {
			wantUnavailable: true,
		},
		"download limit": {
			reply:           &sattest.PackageReply{Code: "5008", Message: "Máximo de descargas permitidas"},
			wantUnavailable: true,
		},
		"empty payload": {
			reply:           &sattest.PackageReply{},
			wantUnavailable: true,
		},
		"other code": {
			reply:     &sattest.PackageReply{Code: "404", Message: "Error no controlado"},
			wantFault: "404",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fake := sattest.Start(t)
			if tt.reply != nil {
				fake.SetPackage("pkg_01", *tt.reply)
			}
			client := newClient(fake.URLs())

			got, err := client.DownloadPackage(context.Background(), fake.Token(), "EKU9003173C9", "pkg_01")
			switch {
			case tt.wantUnavailable:
				require.ErrorIs(t, err, sat.ErrPackageUnavailable)
			case tt.wantFault != "":
				var fault *sat.RequestFault
				require.ErrorAs(t, err, &fault)
				assert.Equal(t, tt.wantFault, fault.Code)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantData, got)
			}
			assert.Equal(t, 1, fake.Calls(sattest.OpDownload))
		})
	}
}

func Test_ClientTransportFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := newClient(sat.Endpoints{Auth: srv.URL, Request: srv.URL, Verify: srv.URL, Download: srv.URL})

	_, err := client.RequestBatch(context.Background(), "token", sat.BatchRequest{
		Direction: sat.DirectionReceived, From: from, To: to, Kind: sat.KindFullDocument,
	})
	var transport *sat.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, http.StatusBadGateway, transport.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "requests are never retried")

	_, err = client.DownloadPackage(context.Background(), "token", "EKU9003173C9", "pkg_01")
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, int32(2), calls.Load(), "downloads are never retried")
}

func Test_ClientRejectsWrongToken(t *testing.T) {
	fake := sattest.Start(t)
	client := newClient(fake.URLs())

	_, err := client.VerifyBatch(context.Background(), "stale", "EKU9003173C9", "req-1")
	var transport *sat.TransportError
	require.ErrorAs(t, err, &transport)
	assert.False(t, errors.Is(err, sat.ErrPackageUnavailable))
}
