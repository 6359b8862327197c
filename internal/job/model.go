package job

import (
	"slices"
	"time"

	"github.com/gateway-fm/cfdi-descarga/internal/sat"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateVerifying State = "verifying"
	StateSuccess   State = "success"
	StateError     State = "error"
)

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Reason is the stable cause of an error state. The raw remote diagnostic
// goes to RetrievalJob.LastError.
type Reason string

const (
	ReasonCredentialNotFound   Reason = "credential_not_found"
	ReasonCredentialInvalid    Reason = "credential_invalid"
	ReasonCredentialExpired    Reason = "credential_expired"
	ReasonSigningKeyMismatch   Reason = "signing_key_mismatch"
	ReasonUnsupportedAlgorithm Reason = "unsupported_algorithm"
	ReasonCompanyNotFound      Reason = "company_not_found"
	ReasonAuthFault            Reason = "auth_fault"
	ReasonTransport            Reason = "transport_error"
	ReasonRequestFault         Reason = "request_fault"
	ReasonVerifyRejected       Reason = "verify_rejected"
	ReasonVerifyExpired        Reason = "verify_expired"
	ReasonVerifyTimeout        Reason = "verify_timeout"
	ReasonPartialDownload      Reason = "partial_download"
	ReasonPersistence          Reason = "persistence_failed"
	ReasonCancelled            Reason = "cancelled"
	ReasonInterrupted          Reason = "interrupted"
	ReasonInternal             Reason = "internal"
)

type Stage string

const (
	StageAuth     Stage = "auth"
	StageRequest  Stage = "request"
	StageVerify   Stage = "verify"
	StageDownload Stage = "download"
)

// Span is the wall-clock extent of one stage. FinishedAt is nil while the
// stage runs.
type Span struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// RequestMeta echoes what was sent and what the remote side answered.
type RequestMeta struct {
	Code         string `json:"codestatus,omitempty"`
	Message      string `json:"mensaje,omitempty"`
	Kind         string `json:"tipo_solicitud"`
	RequesterRFC string `json:"rfc_solicitante"`
	TargetRFC    string `json:"rfc_objetivo"`
	DateFrom     string `json:"fecha_inicial"`
	DateTo       string `json:"fecha_final"`
	RequestID    string `json:"id_solicitud,omitempty"`
}

// Observation is one verification poll.
type Observation struct {
	At        time.Time `json:"at"`
	Status    string    `json:"status,omitempty"`
	State     string    `json:"estado,omitempty"`
	StateCode string    `json:"codigo_estado,omitempty"`
	Packages  int       `json:"paquetes"`
	Error     string    `json:"error,omitempty"`
}

const maxTrace = 20

// Credential warnings. Neither stops a run; the remote service gives the
// final answer.
const (
	WarningOperationalCertificate = "operational_certificate"
	WarningCertificateExpiresSoon = "certificate_expires_soon"
)

type Meta struct {
	Request            *RequestMeta  `json:"request_meta,omitempty"`
	RequestFirst       *RequestMeta  `json:"request_meta_first,omitempty"`
	RequestError       string        `json:"request_error,omitempty"`
	Fallback           *RequestMeta  `json:"fallback_meta,omitempty"`
	FallbackError      string        `json:"fallback_error,omitempty"`
	VerifyTrace        []Observation `json:"verify_trace,omitempty"`
	FailedPackages     []string      `json:"failed_packages,omitempty"`
	UnreviewedCodes    []string      `json:"unreviewed_codes,omitempty"`
	CredentialWarnings []string      `json:"credential_warnings,omitempty"`
	Notes              []string      `json:"notes,omitempty"`
}

type RetrievalJob struct {
	ID         string        `json:"id"`
	OwnerRef   string        `json:"owner_ref"`
	CompanyRef string        `json:"company_ref"`
	Direction  sat.Direction `json:"direction"`
	DateFrom   time.Time     `json:"date_from"`
	DateTo     time.Time     `json:"date_to"`

	State     State  `json:"state"`
	Reason    Reason `json:"reason,omitempty"`
	LastError string `json:"last_error,omitempty"`
	// CancelRequested is set from outside and never versioned.
	CancelRequested  bool     `json:"cancel_requested"`
	FallbackFromFull bool     `json:"fallback_from_full"`
	FinalKind        sat.Kind `json:"tipo_solicitud_final,omitempty"`
	RequestID        string   `json:"request_id,omitempty"`
	PackageIDs       []string `json:"package_ids,omitempty"`

	TotalFound      int `json:"total_found"`
	TotalDownloaded int `json:"total_downloaded"`
	Duplicates      int `json:"duplicates"`
	Skipped         int `json:"skipped"`

	Stages map[Stage]Span `json:"stages,omitempty"`
	Meta   Meta           `json:"meta"`

	Attempt   int       `json:"attempt"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (j RetrievalJob) Clone() RetrievalJob {
	out := j
	out.PackageIDs = slices.Clone(j.PackageIDs)
	if j.Stages != nil {
		out.Stages = make(map[Stage]Span, len(j.Stages))
		for k, v := range j.Stages {
			if v.FinishedAt != nil {
				t := *v.FinishedAt
				v.FinishedAt = &t
			}
			out.Stages[k] = v
		}
	}
	out.Meta = j.Meta.clone()
	return out
}

func (m Meta) clone() Meta {
	out := m
	out.Request = cloneRequestMeta(m.Request)
	out.RequestFirst = cloneRequestMeta(m.RequestFirst)
	out.Fallback = cloneRequestMeta(m.Fallback)
	out.VerifyTrace = slices.Clone(m.VerifyTrace)
	out.FailedPackages = slices.Clone(m.FailedPackages)
	out.UnreviewedCodes = slices.Clone(m.UnreviewedCodes)
	out.CredentialWarnings = slices.Clone(m.CredentialWarnings)
	out.Notes = slices.Clone(m.Notes)
	return out
}

func cloneRequestMeta(r *RequestMeta) *RequestMeta {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// StageMs is the recorded duration of a finished stage.
func (j RetrievalJob) StageMs(s Stage) (int64, bool) {
	span, ok := j.Stages[s]
	if !ok || span.FinishedAt == nil {
		return 0, false
	}
	return span.DurationMs, true
}

// transitions lists the allowed state changes. error -> queued is the only
// backward move and is reserved for retry.
var transitions = map[State][]State{
	StateQueued:    {StateRunning, StateError},
	StateRunning:   {StateVerifying, StateSuccess, StateError},
	StateVerifying: {StateSuccess, StateError},
	StateError:     {StateQueued},
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
