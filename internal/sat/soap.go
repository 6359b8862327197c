package sat

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

const (
	soapNS     = "http://schemas.xmlsoap.org/soap/envelope/"
	downloadNS = "http://DescargaMasivaTerceros.sat.gob.mx"

	ActionAuthenticate = "http://DescargaMasivaTerceros.gob.mx/IAutenticacion/Autentica"
	actionRequest      = "http://DescargaMasivaTerceros.sat.gob.mx/ISolicitaDescargaService/"
	ActionVerify       = "http://DescargaMasivaTerceros.sat.gob.mx/IVerificaSolicitudDescargaService/VerificaSolicitudDescarga"
	ActionDownload     = "http://DescargaMasivaTerceros.sat.gob.mx/IDescargaMasivaTercerosService/Descargar"

	dateLayout = "2006-01-02"
)

// Remote status codes with defined handling.
const (
	CodeAccepted        = "5000"
	CodeLimitReached    = "5002"
	CodeTooManyResults  = "5003"
	CodeNoData          = "5004"
	CodeDuplicate       = "5005"
	CodeNoSuchPackage   = "5007"
	CodeDownloadsMaxed  = "5008"
	CodeDailyLimit      = "5011"
	CodeMalformedOrSeal = "301"
)

var knownCodes = map[string]bool{
	"300": true, "301": true, "302": true, "303": true, "304": true, "305": true, "404": true,
	CodeAccepted: true, CodeLimitReached: true, CodeTooManyResults: true, CodeNoData: true,
	CodeDuplicate: true, CodeNoSuchPackage: true, CodeDownloadsMaxed: true, CodeDailyLimit: true,
}

// IsKnownCode reports whether the client has defined handling for a code.
func IsKnownCode(code string) bool {
	return knownCodes[code]
}

// RequestAction is the SOAPAction of a bulk request in the given direction.
func RequestAction(d Direction) string {
	return actionRequest + d.operation()
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func requestEnvelope(req BatchRequest) []byte {
	target := "RfcReceptor"
	if req.Direction == DirectionIssued {
		target = "RfcEmisor"
	}
	op := req.Direction.operation()
	return []byte(fmt.Sprintf(
		`<s:Envelope xmlns:s="%s" xmlns:des="%s"><s:Header/><s:Body>`+
			`<des:%s><des:solicitud FechaInicial="%sT00:00:00" FechaFinal="%sT23:59:59" %s="%s" RfcSolicitante="%s" TipoSolicitud="%s"/></des:%s>`+
			`</s:Body></s:Envelope>`,
		soapNS, downloadNS,
		op, req.From.Format(dateLayout), req.To.Format(dateLayout), target, escape(req.TargetRFC),
		escape(req.RequesterRFC), req.Kind.wire(), op))
}

func verifyEnvelope(requesterRFC, requestID string) []byte {
	return []byte(fmt.Sprintf(
		`<s:Envelope xmlns:s="%s" xmlns:des="%s"><s:Header/><s:Body>`+
			`<des:VerificaSolicitudDescarga><des:solicitud IdSolicitud="%s" RfcSolicitante="%s"/></des:VerificaSolicitudDescarga>`+
			`</s:Body></s:Envelope>`,
		soapNS, downloadNS, escape(requestID), escape(requesterRFC)))
}

func downloadEnvelope(requesterRFC, packageID string) []byte {
	return []byte(fmt.Sprintf(
		`<s:Envelope xmlns:s="%s" xmlns:des="%s"><s:Header/><s:Body>`+
			`<des:PeticionDescargaMasivaTercerosEntrada><des:peticionDescarga IdPaquete="%s" RfcSolicitante="%s"/></des:PeticionDescargaMasivaTercerosEntrada>`+
			`</s:Body></s:Envelope>`,
		soapNS, downloadNS, escape(packageID), escape(requesterRFC)))
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

// code strips the namespace prefix from a fault code.
func (f *soapFault) code() string {
	if i := strings.LastIndex(f.Code, ":"); i >= 0 {
		return f.Code[i+1:]
	}
	return f.Code
}

type authResponse struct {
	Body struct {
		Fault  *soapFault `xml:"Fault"`
		Result string     `xml:"AutenticaResponse>AutenticaResult"`
	} `xml:"Body"`
}

type requestResponse struct {
	Body struct {
		Fault    *soapFault `xml:"Fault"`
		Response struct {
			Result struct {
				Code    string `xml:"CodEstatus,attr"`
				ID      string `xml:"IdSolicitud,attr"`
				Message string `xml:"Mensaje,attr"`
			} `xml:",any"`
		} `xml:",any"`
	} `xml:"Body"`
}

type verifyResponse struct {
	Body struct {
		Fault  *soapFault `xml:"Fault"`
		Result struct {
			Code       string   `xml:"CodEstatus,attr"`
			State      string   `xml:"EstadoSolicitud,attr"`
			StateCode  string   `xml:"CodigoEstadoSolicitud,attr"`
			Count      string   `xml:"NumeroCFDIs,attr"`
			Message    string   `xml:"Mensaje,attr"`
			PackageIDs []string `xml:"IdsPaquetes"`
		} `xml:"VerificaSolicitudDescargaResponse>VerificaSolicitudDescargaResult"`
	} `xml:"Body"`
}

type downloadResponse struct {
	Header struct {
		Result struct {
			Code    string `xml:"CodEstatus,attr"`
			Message string `xml:"Mensaje,attr"`
		} `xml:"respuesta"`
	} `xml:"Header"`
	Body struct {
		Fault   *soapFault `xml:"Fault"`
		Package string     `xml:"RespuestaDescargaMasivaTercerosSalida>Paquete"`
	} `xml:"Body"`
}
