package pkgdecode_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/cfdi-descarga/internal/pkgdecode"
	"github.com/gateway-fm/cfdi-descarga/internal/sat/sattest"
)

const (
	uuidA = "5FB2822E-396D-4725-8521-CDC4BDD20CCF"
	uuidB = "0F3C7B1A-5C2D-4E6F-8A9B-1C2D3E4F5A6B"
	uuidC = "A1B2C3D4-E5F6-4A7B-8C9D-0E1F2A3B4C5D"
)

func collect(t *testing.T, d *pkgdecode.Decoder, raw []byte) ([]pkgdecode.Document, pkgdecode.Stats) {
	t.Helper()
	var docs []pkgdecode.Document
	stats, err := d.Decode(raw, func(doc pkgdecode.Document) error {
		docs = append(docs, doc)
		return nil
	})
	require.NoError(t, err)
	return docs, stats
}

func uuids(docs []pkgdecode.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.UUID)
	}
	return out
}

func Test_Decode(t *testing.T) {
	var tests = map[string]struct {
		files     []sattest.File
		wantUUIDs []string
		wantStats pkgdecode.Stats
	}{
		"xml documents": {
			files: []sattest.File{
				{Name: uuidA + ".xml", Data: sattest.CFDI(uuidA, "I")},
				{Name: uuidB + ".xml", Data: sattest.CFDI(uuidB, "E")},
			},
			wantUUIDs: []string{uuidA, uuidB},
			wantStats: pkgdecode.Stats{Emitted: 2},
		},
		"duplicate in one package": {
			files: []sattest.File{
				{Name: "a.xml", Data: sattest.CFDI(uuidA, "I")},
				{Name: "a-copy.xml", Data: sattest.CFDI(uuidA, "I")},
			},
			wantUUIDs: []string{uuidA},
			wantStats: pkgdecode.Stats{Emitted: 1, Duplicates: 1},
		},
		"lower case uuid normalized": {
			files: []sattest.File{
				{Name: "a.xml", Data: sattest.CFDI("5fb2822e-396d-4725-8521-cdc4bdd20ccf", "I")},
				{Name: "b.xml", Data: sattest.CFDI(uuidA, "I")},
			},
			wantUUIDs: []string{uuidA},
			wantStats: pkgdecode.Stats{Emitted: 1, Duplicates: 1},
		},
		"malformed entries skipped": {
			files: []sattest.File{
				{Name: "a.xml", Data: sattest.CFDI(uuidA, "I")},
				{Name: "broken.xml", Data: []byte("<cfdi:Comprobante><unclosed")},
				{Name: "nostamp.xml", Data: []byte(`<Comprobante TipoDeComprobante="I"/>`)},
				{Name: "readme.pdf", Data: []byte("%PDF")},
				{Name: "c.xml", Data: sattest.CFDI(uuidC, "P")},
			},
			wantUUIDs: []string{uuidA, uuidC},
			wantStats: pkgdecode.Stats{Emitted: 2, Skipped: 3},
		},
		"metadata listing": {
			files: []sattest.File{
				{Name: "listing.txt", Data: sattest.Metadata(uuidA, uuidB, uuidA)},
			},
			wantUUIDs: []string{uuidA, uuidB},
			wantStats: pkgdecode.Stats{Emitted: 2, Duplicates: 1},
		},
		"metadata bad rows": {
			files: []sattest.File{
				{Name: "listing.txt", Data: append(sattest.Metadata(uuidA), []byte("not-a-uuid~x~x~x~x~x~x~x~x~I~1~\r\nshort~row\r\n")...)},
			},
			wantUUIDs: []string{uuidA},
			wantStats: pkgdecode.Stats{Emitted: 1, Skipped: 2},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			docs, stats := collect(t, pkgdecode.NewDecoder(), sattest.Zip(t, tt.files...))
			assert.Equal(t, tt.wantUUIDs, uuids(docs))
			assert.Equal(t, tt.wantStats, stats)
		})
	}
}

func Test_DecodeDeduplicatesAcrossPackages(t *testing.T) {
	d := pkgdecode.NewDecoder()

	first, _ := collect(t, d, sattest.Zip(t,
		sattest.File{Name: "a.xml", Data: sattest.CFDI(uuidA, "I")},
		sattest.File{Name: "b.xml", Data: sattest.CFDI(uuidB, "I")},
	))
	second, stats := collect(t, d, sattest.Zip(t,
		sattest.File{Name: "b.xml", Data: sattest.CFDI(uuidB, "I")},
		sattest.File{Name: "c.xml", Data: sattest.CFDI(uuidC, "I")},
	))

	assert.Equal(t, []string{uuidA, uuidB}, uuids(first))
	assert.Equal(t, []string{uuidC}, uuids(second))
	assert.Equal(t, pkgdecode.Stats{Emitted: 1, Duplicates: 1}, stats)
	assert.Equal(t, pkgdecode.Stats{Emitted: 3, Duplicates: 1}, d.Total())
}

func Test_DecodeCarriesTypeAndPayload(t *testing.T) {
	payload := sattest.CFDI(uuidA, "E")
	docs, _ := collect(t, pkgdecode.NewDecoder(), sattest.Zip(t, sattest.File{Name: "a.xml", Data: payload}))

	require.Len(t, docs, 1)
	assert.Equal(t, "E", docs[0].Type)
	assert.Equal(t, pkgdecode.FormatXML, docs[0].Format)
	assert.Equal(t, payload, docs[0].Payload)
}

func Test_DecodeStopsOnEmitError(t *testing.T) {
	raw := sattest.Zip(t,
		sattest.File{Name: "a.xml", Data: sattest.CFDI(uuidA, "I")},
		sattest.File{Name: "b.xml", Data: sattest.CFDI(uuidB, "I")},
	)
	boom := errors.New("store down")

	d := pkgdecode.NewDecoder()
	stats, err := d.Decode(raw, func(doc pkgdecode.Document) error {
		if doc.UUID == uuidB {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, pkgdecode.Stats{Emitted: 1}, stats)

	// a failed document is not marked as seen
	docs, _ := collect(t, d, raw)
	assert.Equal(t, []string{uuidB}, uuids(docs))
}

func Test_DecodeRejectsNonZip(t *testing.T) {
	_, err := pkgdecode.NewDecoder().Decode([]byte("not a zip"), func(pkgdecode.Document) error { return nil })
	require.ErrorIs(t, err, pkgdecode.ErrNotAPackage)
}

func Test_DocumentsIsRestartable(t *testing.T) {
	pkg, err := pkgdecode.Open(sattest.Zip(t,
		sattest.File{Name: "a.xml", Data: sattest.CFDI(uuidA, "I")},
		sattest.File{Name: "b.xml", Data: sattest.CFDI(uuidB, "I")},
	))
	require.NoError(t, err)

	for doc := range pkg.Documents() {
		assert.Equal(t, uuidA, doc.UUID)
		break
	}

	var all []string
	for doc, err := range pkg.Documents() {
		require.NoError(t, err)
		all = append(all, doc.UUID)
	}
	assert.Equal(t, []string{uuidA, uuidB}, all)
}
