package pkgdecode

import (
	"fmt"
	"log/slog"
)

type Stats struct {
	Emitted    int
	Duplicates int
	Skipped    int
}

func (s *Stats) add(o Stats) {
	s.Emitted += o.Emitted
	s.Duplicates += o.Duplicates
	s.Skipped += o.Skipped
}

// Decoder deduplicates documents by UUID across every package of one job
// run. The first occurrence wins. A Decoder is not safe for concurrent use.
type Decoder struct {
	seen  map[string]struct{}
	total Stats
}

func NewDecoder() *Decoder {
	return &Decoder{seen: make(map[string]struct{})}
}

// Decode hands every new document of raw to emit. Bad entries are counted and
// skipped. An error from emit stops decoding and is returned; documents
// emitted before it stay emitted.
func (d *Decoder) Decode(raw []byte, emit func(Document) error) (Stats, error) {
	pkg, err := Open(raw)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	defer func() { d.total.add(stats) }()

	for doc, err := range pkg.Documents() {
		if err != nil {
			stats.Skipped++
			slog.Warn("skipping undecodable package entry", "err", err)
			continue
		}
		if _, dup := d.seen[doc.UUID]; dup {
			stats.Duplicates++
			continue
		}
		if err := emit(doc); err != nil {
			return stats, fmt.Errorf("failed to emit document %s: %w", doc.UUID, err)
		}
		d.seen[doc.UUID] = struct{}{}
		stats.Emitted++
	}
	return stats, nil
}

// Total is the sum over every Decode call.
func (d *Decoder) Total() Stats {
	return d.total
}
