package sattest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"
)

// File is one entry of a package.
type File struct {
	Name string
	Data []byte
}

// Zip builds a package in entry order.
func Zip(t testing.TB, files ...File) []byte {
	t.Helper()
	data, err := BuildZip(files...)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return data
}

// BuildZip is Zip for callers without a testing.TB.
func BuildZip(files ...File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create zip entry %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write zip entry %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// CFDI renders a minimal stamped invoice.
func CFDI(uuid, kind string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" xmlns:tfd="http://www.sat.gob.mx/TimbreFiscalDigital" Version="4.0" TipoDeComprobante="%s" Total="116.00">
  <cfdi:Emisor Rfc="EKU9003173C9" Nombre="ESCUELA KEMPER URGATE"/>
  <cfdi:Receptor Rfc="XAXX010101000" Nombre="PUBLICO EN GENERAL"/>
  <cfdi:Complemento>
    <tfd:TimbreFiscalDigital Version="1.1" UUID="%s" FechaTimbrado="2024-01-15T10:00:00"/>
  </cfdi:Complemento>
</cfdi:Comprobante>`, kind, uuid))
}

// MetadataHeader is the first row of a metadata listing.
const MetadataHeader = "Uuid~RfcEmisor~NombreEmisor~RfcReceptor~NombreReceptor~RfcPac~FechaEmision~FechaCertificacionSat~Monto~EfectoComprobante~Estatus~FechaCancelacion"

// Metadata renders a listing with one row per uuid.
func Metadata(uuids ...string) []byte {
	rows := []string{MetadataHeader}
	for _, u := range uuids {
		rows = append(rows, strings.Join([]string{
			u, "EKU9003173C9", "ESCUELA KEMPER URGATE", "XAXX010101000", "PUBLICO EN GENERAL",
			"SAT970701NN3", "2024-01-15 10:00:00", "2024-01-15 10:00:05", "116.00", "I", "1", "",
		}, "~"))
	}
	return []byte(strings.Join(rows, "\r\n") + "\r\n")
}
