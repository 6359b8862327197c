package sat

import "time"

// Direction selects documents issued by or received by the target taxpayer.
type Direction string

const (
	DirectionIssued   Direction = "issued"
	DirectionReceived Direction = "received"
)

func (d Direction) Valid() bool {
	return d == DirectionIssued || d == DirectionReceived
}

func (d Direction) operation() string {
	if d == DirectionIssued {
		return "SolicitaDescargaEmitidos"
	}
	return "SolicitaDescargaRecibidos"
}

// Kind is the requested payload: complete documents or metadata rows only.
type Kind string

const (
	KindFullDocument Kind = "FullDocument"
	KindMetadataOnly Kind = "MetadataOnly"
)

func (k Kind) wire() string {
	if k == KindMetadataOnly {
		return "Metadata"
	}
	return "CFDI"
}

// BatchRequest describes one bulk request. From and To are calendar dates,
// both inclusive.
type BatchRequest struct {
	RequesterRFC string
	TargetRFC    string
	Direction    Direction
	From         time.Time
	To           time.Time
	Kind         Kind
}

// RequestResult is an accepted request. Empty marks the "no data in range"
// answer, which carries no request id and expects no packages.
type RequestResult struct {
	RequestID string
	Empty     bool
	Code      string
	Message   string
}

type VerifyStatus string

const (
	StatusInProgress VerifyStatus = "in_progress"
	StatusReady      VerifyStatus = "ready"
	StatusRejected   VerifyStatus = "rejected"
	StatusExpired    VerifyStatus = "expired"
)

// Verification is one observation of a request's progress.
type Verification struct {
	Status     VerifyStatus
	PackageIDs []string
	// ReportedCount is the number of documents the remote side says it found.
	ReportedCount int
	Code          string
	State         string
	StateCode     string
	Message       string
}

// Empty reports a finished request with nothing to download.
func (v Verification) Empty() bool {
	return v.Status == StatusReady && len(v.PackageIDs) == 0
}
