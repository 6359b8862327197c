// Package persistence holds the stores retrieved documents and job events end
// up in.
package persistence

import (
	"context"
	"time"
)

// DocumentRecord is one retrieved document, keyed by owner, company and UUID.
type DocumentRecord struct {
	JobID      string
	OwnerRef   string
	CompanyRef string
	UUID       string
	Type       string
	Format     string
	Direction  string
	Payload    []byte
	// XMLRef is the archive object key when the payload lives outside the
	// database.
	XMLRef    string
	UpdatedAt time.Time
}

// JobEvent is an append-only entry in a job's history.
type JobEvent struct {
	JobID      string
	Stage      string
	State      string
	DurationMs int64
	Detail     map[string]any
	At         time.Time
}

type Sink interface {
	UpsertDocument(ctx context.Context, rec DocumentRecord) error
	AppendJobEvent(ctx context.Context, ev JobEvent) error
}
