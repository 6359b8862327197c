// Package pkgdecode unpacks downloaded packages into individual documents.
package pkgdecode

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"

	"github.com/google/uuid"
)

const maxEntryBytes = 64 << 20

var (
	ErrNotAPackage = errors.New("not a zip package")
	ErrMalformed   = errors.New("malformed entry")
)

type Format string

const (
	FormatXML      Format = "xml"
	FormatMetadata Format = "metadata"
)

// Document is one decoded entry. For metadata listings each row is a
// document and Payload holds the row.
type Document struct {
	UUID    string
	Type    string
	Format  Format
	Entry   string
	Payload []byte
}

// EntryError describes an entry or row that could not be decoded.
type EntryError struct {
	Entry string
	Row   int
	Err   error
}

func (e *EntryError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("%s row %d: %v", e.Entry, e.Row, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Entry, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

type Package struct {
	zr *zip.Reader
}

func Open(raw []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAPackage, err)
	}
	return &Package{zr: zr}, nil
}

// Documents yields every decodable document in entry order, with an
// *EntryError in place of each one that is not. Each call starts over from the
// first entry.
func (p *Package) Documents() iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		for _, f := range p.zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			data, err := readEntry(f)
			if err != nil {
				if !yield(Document{}, &EntryError{Entry: f.Name, Err: err}) {
					return
				}
				continue
			}

			switch strings.ToLower(path.Ext(f.Name)) {
			case ".xml":
				doc, err := decodeXML(f.Name, data)
				if !yield(doc, err) {
					return
				}
			case ".txt":
				for doc, err := range decodeMetadata(f.Name, data) {
					if !yield(doc, err) {
						return
					}
				}
			default:
				if !yield(Document{}, &EntryError{Entry: f.Name, Err: fmt.Errorf("%w: unexpected file type", ErrMalformed)}) {
					return
				}
			}
		}
	}
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) > maxEntryBytes {
		return nil, fmt.Errorf("%w: entry larger than %d bytes", ErrMalformed, maxEntryBytes)
	}
	return data, nil
}

// decodeXML reads only the stamp identifier and the document type. Everything
// else stays in the payload for the persistence side to interpret.
func decodeXML(name string, data []byte) (Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var id, typ string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Document{}, &EntryError{Entry: name, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "Comprobante":
			typ = attr(se, "TipoDeComprobante")
		case "TimbreFiscalDigital":
			id = attr(se, "UUID")
		}
		if id != "" && typ != "" {
			break
		}
	}

	norm, err := normalizeUUID(id)
	if err != nil {
		return Document{}, &EntryError{Entry: name, Err: err}
	}
	return Document{UUID: norm, Type: typ, Format: FormatXML, Entry: name, Payload: data}, nil
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

// Metadata listing columns.
const (
	colUUID   = 0
	colEffect = 9
	minCols   = 10
)

func decodeMetadata(name string, data []byte) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		data = bytes.TrimPrefix(data, []byte("\ufeff"))
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

		row := 0
		for sc.Scan() {
			row++
			line := strings.TrimRight(sc.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			cols := strings.Split(line, "~")
			if row == 1 && strings.EqualFold(strings.TrimSpace(cols[colUUID]), "uuid") {
				continue
			}
			if len(cols) < minCols {
				if !yield(Document{}, &EntryError{Entry: name, Row: row, Err: fmt.Errorf("%w: %d columns", ErrMalformed, len(cols))}) {
					return
				}
				continue
			}
			norm, err := normalizeUUID(cols[colUUID])
			if err != nil {
				if !yield(Document{}, &EntryError{Entry: name, Row: row, Err: err}) {
					return
				}
				continue
			}
			doc := Document{
				UUID:    norm,
				Type:    strings.TrimSpace(cols[colEffect]),
				Format:  FormatMetadata,
				Entry:   name,
				Payload: []byte(line),
			}
			if !yield(doc, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Document{}, &EntryError{Entry: name, Row: row + 1, Err: fmt.Errorf("%w: %v", ErrMalformed, err)})
		}
	}
}

func normalizeUUID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: missing uuid", ErrMalformed)
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid uuid %q", ErrMalformed, raw)
	}
	return strings.ToUpper(u.String()), nil
}
