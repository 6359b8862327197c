// Package sattest is a scriptable stand-in for the bulk retrieval service.
package sattest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gateway-fm/cfdi-descarga/internal/sat"
	"github.com/gateway-fm/cfdi-descarga/internal/signer"
)

const (
	soapNS = "http://schemas.xmlsoap.org/soap/envelope/"

	OpAuthenticate = "authenticate"
	OpRequest      = "request"
	OpVerify       = "verify"
	OpDownload     = "download"
)

// Fault is a SOAP fault reply.
type Fault struct {
	Code    string
	Message string
}

// RequestReply answers a bulk request of one kind.
type RequestReply struct {
	Code    string
	ID      string
	Message string
	Fault   *Fault
}

// VerifyReply is one verification answer. Zero HTTPStatus means 200.
type VerifyReply struct {
	Code       string
	State      string
	StateCode  string
	Count      int
	PackageIDs []string
	Message    string
	HTTPStatus int
}

// PackageReply answers a download. Zero Code means 5000.
type PackageReply struct {
	Code       string
	Message    string
	Data       []byte
	HTTPStatus int
}

// SeenRequest is a bulk request as received.
type SeenRequest struct {
	Kind         string
	Target       string
	TargetAttr   string
	RequesterRFC string
	From         string
	To           string
	Action       string
}

// Server records every call and answers from its script. Script fields may be
// changed between calls while holding no lock; use the setters from other
// goroutines.
type Server struct {
	Now func() time.Time

	mu              sync.Mutex
	token           string
	authFault       *Fault
	verifySignature bool
	requests        map[string]RequestReply
	verifications   []VerifyReply
	packages        map[string]PackageReply
	calls           map[string]int
	seen            []SeenRequest
	httpServer      *httptest.Server
}

// NewFake returns a server that accepts valid signatures and answers
// everything with an empty result.
func NewFake() *Server {
	return &Server{
		Now:             time.Now,
		token:           "test-token",
		verifySignature: true,
		requests: map[string]RequestReply{
			"CFDI":     {Code: sat.CodeNoData, Message: "No se encontró la información"},
			"Metadata": {Code: sat.CodeNoData, Message: "No se encontró la información"},
		},
		packages: map[string]PackageReply{},
		calls:    map[string]int{},
	}
}

// Start runs a fake on an httptest server closed at test cleanup.
func Start(t testing.TB) *Server {
	t.Helper()
	s := NewFake()
	s.httpServer = httptest.NewServer(s)
	t.Cleanup(s.httpServer.Close)
	return s
}

// Endpoints points all four operations at base.
func (s *Server) Endpoints(base string) sat.Endpoints {
	return sat.Endpoints{
		Auth:     base + "/Autenticacion/Autenticacion.svc",
		Request:  base + "/SolicitaDescargaService.svc",
		Verify:   base + "/VerificaSolicitudDescargaService.svc",
		Download: base + "/DescargaMasivaService.svc",
	}
}

// URLs returns the endpoints of a started server.
func (s *Server) URLs() sat.Endpoints {
	return s.Endpoints(s.httpServer.URL)
}

func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Server) SetAuthFault(f *Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFault = f
}

func (s *Server) SetVerifySignature(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifySignature = v
}

// SetRequest scripts the answer for TipoSolicitud "CFDI" or "Metadata".
func (s *Server) SetRequest(tipo string, r RequestReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[tipo] = r
}

// SetVerifications scripts consecutive verification answers. The last one
// repeats.
func (s *Server) SetVerifications(v ...VerifyReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications = v
}

func (s *Server) SetPackage(id string, p PackageReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[id] = p
}

func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Server) Requests() []SeenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SeenRequest(nil), s.seen...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)
	switch {
	case action == sat.ActionAuthenticate:
		s.authenticate(w, body)
	case action == sat.RequestAction(sat.DirectionIssued) || action == sat.RequestAction(sat.DirectionReceived):
		if s.authorized(w, r, OpRequest) {
			s.request(w, action, body)
		}
	case action == sat.ActionVerify:
		if s.authorized(w, r, OpVerify) {
			s.verify(w)
		}
	case action == sat.ActionDownload:
		if s.authorized(w, r, OpDownload) {
			s.download(w, body)
		}
	default:
		writeFault(w, Fault{Code: "a:ActionNotSupported", Message: "unknown action " + action})
	}
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request, op string) bool {
	s.mu.Lock()
	s.calls[op]++
	want := `WRAP access_token="` + s.token + `"`
	s.mu.Unlock()

	if r.Header.Get("Authorization") != want {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) authenticate(w http.ResponseWriter, body []byte) {
	s.mu.Lock()
	s.calls[OpAuthenticate]++
	fault, verify, token := s.authFault, s.verifySignature, s.token
	s.mu.Unlock()

	if fault != nil {
		writeFault(w, *fault)
		return
	}
	if verify {
		if _, err := signer.Verify(body, s.Now()); err != nil {
			slog.Info("fake sat rejected authentication", "err", err)
			writeFault(w, Fault{Code: "a:InvalidSecurity", Message: "An error occurred when verifying security for the message."})
			return
		}
	}

	writeEnvelope(w, "", fmt.Sprintf(
		`<AutenticaResponse xmlns="http://DescargaMasivaTerceros.gob.mx"><AutenticaResult>%s</AutenticaResult></AutenticaResponse>`, token))
}

type solicitud struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

func (s *Server) request(w http.ResponseWriter, action string, body []byte) {
	var env struct {
		Body struct {
			Op struct {
				Solicitud solicitud `xml:"solicitud"`
			} `xml:",any"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		writeFault(w, Fault{Code: "a:BadRequest", Message: err.Error()})
		return
	}

	seen := SeenRequest{Action: action}
	for _, a := range env.Body.Op.Solicitud.Attrs {
		switch a.Name.Local {
		case "TipoSolicitud":
			seen.Kind = a.Value
		case "RfcEmisor", "RfcReceptor":
			seen.Target, seen.TargetAttr = a.Value, a.Name.Local
		case "RfcSolicitante":
			seen.RequesterRFC = a.Value
		case "FechaInicial":
			seen.From = a.Value
		case "FechaFinal":
			seen.To = a.Value
		}
	}

	s.mu.Lock()
	s.seen = append(s.seen, seen)
	reply := s.requests[seen.Kind]
	s.mu.Unlock()

	if reply.Fault != nil {
		writeFault(w, *reply.Fault)
		return
	}
	op := "SolicitaDescargaRecibidos"
	if seen.TargetAttr == "RfcEmisor" {
		op = "SolicitaDescargaEmitidos"
	}
	writeEnvelope(w, "", fmt.Sprintf(
		`<%sResponse xmlns="http://DescargaMasivaTerceros.sat.gob.mx"><%sResult IdSolicitud="%s" CodEstatus="%s" Mensaje="%s"/></%sResponse>`,
		op, op, reply.ID, reply.Code, reply.Message, op))
}

func (s *Server) verify(w http.ResponseWriter) {
	s.mu.Lock()
	var reply VerifyReply
	if len(s.verifications) > 0 {
		reply = s.verifications[0]
		if len(s.verifications) > 1 {
			s.verifications = s.verifications[1:]
		}
	} else {
		reply = VerifyReply{Code: sat.CodeAccepted, State: "3", StateCode: sat.CodeNoData}
	}
	s.mu.Unlock()

	if reply.HTTPStatus != 0 && reply.HTTPStatus != http.StatusOK {
		http.Error(w, "unavailable", reply.HTTPStatus)
		return
	}
	code := reply.Code
	if code == "" {
		code = sat.CodeAccepted
	}
	var ids strings.Builder
	for _, id := range reply.PackageIDs {
		ids.WriteString("<IdsPaquetes>" + id + "</IdsPaquetes>")
	}
	writeEnvelope(w, "", fmt.Sprintf(
		`<VerificaSolicitudDescargaResponse xmlns="http://DescargaMasivaTerceros.sat.gob.mx">`+
			`<VerificaSolicitudDescargaResult CodEstatus="%s" EstadoSolicitud="%s" CodigoEstadoSolicitud="%s" NumeroCFDIs="%s" Mensaje="%s">%s</VerificaSolicitudDescargaResult>`+
			`</VerificaSolicitudDescargaResponse>`,
		code, reply.State, reply.StateCode, strconv.Itoa(reply.Count), reply.Message, ids.String()))
}

func (s *Server) download(w http.ResponseWriter, body []byte) {
	var env struct {
		Body struct {
			Entrada struct {
				Peticion struct {
					PackageID string `xml:"IdPaquete,attr"`
				} `xml:"peticionDescarga"`
			} `xml:"PeticionDescargaMasivaTercerosEntrada"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		writeFault(w, Fault{Code: "a:BadRequest", Message: err.Error()})
		return
	}
	id := env.Body.Entrada.Peticion.PackageID

	s.mu.Lock()
	reply, ok := s.packages[id]
	s.mu.Unlock()
	if !ok {
		reply = PackageReply{Code: sat.CodeNoSuchPackage, Message: "No existe el paquete solicitado"}
	}
	if reply.HTTPStatus != 0 && reply.HTTPStatus != http.StatusOK {
		http.Error(w, "unavailable", reply.HTTPStatus)
		return
	}
	code := reply.Code
	if code == "" {
		code = sat.CodeAccepted
	}

	header := fmt.Sprintf(`<h:respuesta CodEstatus="%s" Mensaje="%s" xmlns:h="http://DescargaMasivaTerceros.sat.gob.mx" xmlns="http://DescargaMasivaTerceros.sat.gob.mx"/>`,
		code, reply.Message)
	writeEnvelope(w, header, fmt.Sprintf(
		`<RespuestaDescargaMasivaTercerosSalida xmlns="http://DescargaMasivaTerceros.sat.gob.mx"><Paquete>%s</Paquete></RespuestaDescargaMasivaTercerosSalida>`,
		base64.StdEncoding.EncodeToString(reply.Data)))
}

func writeEnvelope(w http.ResponseWriter, header, body string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `<s:Envelope xmlns:s="%s"><s:Header>%s</s:Header><s:Body>%s</s:Body></s:Envelope>`, soapNS, header, body)
}

func writeFault(w http.ResponseWriter, f Fault) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, `<s:Envelope xmlns:s="%s"><s:Body><s:Fault><faultcode xmlns:a="http://schemas.microsoft.com/ws/2005/05/addressing/none">%s</faultcode><faultstring xml:lang="es-MX">%s</faultstring></s:Fault></s:Body></s:Envelope>`,
		soapNS, f.Code, f.Message)
}
