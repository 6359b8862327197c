package sat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/gateway-fm/cfdi-descarga/internal/signer"
)

const maxResponseBytes = 512 << 20

type Endpoints struct {
	Auth     string
	Request  string
	Verify   string
	Download string
}

type Options struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// HTTPClient replaces the underlying client, mostly for tests.
	HTTPClient *http.Client
}

// Client maps the four remote operations to typed outcomes. It keeps no
// session state; the caller carries the token between calls.
//
// Only verification goes through the retrying transport. Authentication and
// requests are not idempotent on the remote side, and every download attempt
// counts against a per-package limit.
type Client struct {
	endpoints Endpoints
	plain     *http.Client
	retrying  *retryablehttp.Client
}

func NewClient(endpoints Endpoints, opts Options) *Client {
	plain := opts.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: opts.Timeout}
	}

	retrying := retryablehttp.NewClient()
	retrying.HTTPClient = plain
	retrying.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		retrying.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		retrying.RetryWaitMax = opts.RetryWaitMax
	}
	retrying.Logger = slog.Default()
	retrying.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		// SOAP faults arrive as 500 and are final answers
		if err == nil && resp != nil && resp.StatusCode == http.StatusInternalServerError {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{endpoints: endpoints, plain: plain, retrying: retrying}
}

// Authenticate posts a signed envelope and returns the bearer token.
func (c *Client) Authenticate(ctx context.Context, env signer.Envelope) (string, error) {
	body, status, err := c.send(ctx, "authenticate", c.endpoints.Auth, ActionAuthenticate, "", env.Body, false)
	if err != nil {
		return "", err
	}

	var resp authResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", &TransportError{Operation: "authenticate", StatusCode: status, Err: fmt.Errorf("unparseable response: %w", err)}
	}
	if f := resp.Body.Fault; f != nil {
		return "", &AuthFault{Code: f.code(), Message: f.String}
	}
	if status != http.StatusOK {
		return "", &TransportError{Operation: "authenticate", StatusCode: status, Err: errors.New(snippet(body))}
	}

	token := strings.TrimSpace(resp.Body.Result)
	if token == "" {
		return "", &AuthFault{Code: "empty_token", Message: "authentication response carried no token"}
	}
	return token, nil
}

// RequestBatch asks for a bulk export. The "no data" answer is a successful
// result with Empty set.
func (c *Client) RequestBatch(ctx context.Context, token string, req BatchRequest) (RequestResult, error) {
	const op = "request"
	body, status, err := c.send(ctx, op, c.endpoints.Request, RequestAction(req.Direction), token, requestEnvelope(req), false)
	if err != nil {
		return RequestResult{}, err
	}

	var resp requestResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return RequestResult{}, &TransportError{Operation: op, StatusCode: status, Err: fmt.Errorf("unparseable response: %w", err)}
	}
	if f := resp.Body.Fault; f != nil {
		return RequestResult{}, &RequestFault{Operation: op, Code: f.code(), Message: f.String, Known: IsKnownCode(f.code())}
	}
	if status != http.StatusOK {
		return RequestResult{}, &TransportError{Operation: op, StatusCode: status, Err: errors.New(snippet(body))}
	}

	r := resp.Body.Response.Result
	out := RequestResult{RequestID: r.ID, Code: r.Code, Message: r.Message}
	switch {
	case r.Code == CodeNoData:
		out.Empty = true
		return out, nil
	case (r.Code == CodeAccepted || r.Code == CodeDuplicate) && r.ID != "":
		return out, nil
	}
	return out, &RequestFault{Operation: op, Code: r.Code, Message: r.Message, Known: IsKnownCode(r.Code)}
}

// VerifyBatch reports the progress of a request. It is safe to call repeatedly.
func (c *Client) VerifyBatch(ctx context.Context, token, requesterRFC, requestID string) (Verification, error) {
	const op = "verify"
	body, status, err := c.send(ctx, op, c.endpoints.Verify, ActionVerify, token, verifyEnvelope(requesterRFC, requestID), true)
	if err != nil {
		return Verification{}, err
	}

	var resp verifyResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return Verification{}, &TransportError{Operation: op, StatusCode: status, Err: fmt.Errorf("unparseable response: %w", err)}
	}
	if f := resp.Body.Fault; f != nil {
		return Verification{}, &RequestFault{Operation: op, Code: f.code(), Message: f.String, Known: IsKnownCode(f.code())}
	}
	if status != http.StatusOK {
		return Verification{}, &TransportError{Operation: op, StatusCode: status, Err: errors.New(snippet(body))}
	}

	r := resp.Body.Result
	v := Verification{
		Code:      r.Code,
		State:     r.State,
		StateCode: r.StateCode,
		Message:   r.Message,
	}
	v.ReportedCount, _ = strconv.Atoi(r.Count)
	for _, id := range r.PackageIDs {
		if id = strings.TrimSpace(id); id != "" {
			v.PackageIDs = append(v.PackageIDs, id)
		}
	}

	if r.Code != "" && r.Code != CodeAccepted {
		return v, &RequestFault{Operation: op, Code: r.Code, Message: r.Message, Known: IsKnownCode(r.Code)}
	}

	switch r.StateCode {
	case CodeNoData:
		v.Status = StatusReady
		v.PackageIDs = nil
		return v, nil
	case CodeTooManyResults, CodeDailyLimit:
		v.Status = StatusRejected
		return v, nil
	}

	switch r.State {
	case "1", "2":
		v.Status = StatusInProgress
	case "3":
		v.Status = StatusReady
	case "4", "5":
		v.Status = StatusRejected
	case "6":
		v.Status = StatusExpired
	default:
		return v, &RequestFault{Operation: op, Code: "EstadoSolicitud=" + r.State, Message: r.Message}
	}
	return v, nil
}

// DownloadPackage returns the raw compressed package.
func (c *Client) DownloadPackage(ctx context.Context, token, requesterRFC, packageID string) ([]byte, error) {
	const op = "download"
	body, status, err := c.send(ctx, op, c.endpoints.Download, ActionDownload, token, downloadEnvelope(requesterRFC, packageID), false)
	if err != nil {
		return nil, err
	}

	var resp downloadResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, &TransportError{Operation: op, StatusCode: status, Err: fmt.Errorf("unparseable response: %w", err)}
	}
	if f := resp.Body.Fault; f != nil {
		return nil, &RequestFault{Operation: op, Code: f.code(), Message: f.String, Known: IsKnownCode(f.code())}
	}
	if status != http.StatusOK {
		return nil, &TransportError{Operation: op, StatusCode: status, Err: errors.New(snippet(body))}
	}

	r := resp.Header.Result
	switch r.Code {
	case CodeAccepted, "":
	case CodeNoSuchPackage, CodeDownloadsMaxed:
		return nil, &PackageUnavailableError{PackageID: packageID, Code: r.Code, Message: r.Message}
	default:
		return nil, &RequestFault{Operation: op, Code: r.Code, Message: r.Message, Known: IsKnownCode(r.Code)}
	}

	encoded := strings.TrimSpace(resp.Body.Package)
	if encoded == "" {
		return nil, &PackageUnavailableError{PackageID: packageID, Code: r.Code, Message: "response carried no package"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &TransportError{Operation: op, StatusCode: status, Err: fmt.Errorf("package is not base64: %w", err)}
	}
	return raw, nil
}

// send posts a SOAP 1.1 message. HTTP status codes are returned to the caller,
// which decides between fault and transport failure after looking at the body.
func (c *Client) send(ctx context.Context, op, url, action, token string, payload []byte, retry bool) ([]byte, int, error) {
	header := http.Header{}
	header.Set("Content-Type", `text/xml; charset="utf-8"`)
	header.Set("Accept", "text/xml")
	header.Set("SOAPAction", action)
	if token != "" {
		header.Set("Authorization", `WRAP access_token="`+token+`"`)
	}

	var (
		resp *http.Response
		err  error
	)
	if retry {
		var req *retryablehttp.Request
		req, err = retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, payload)
		if err != nil {
			return nil, 0, &TransportError{Operation: op, Err: fmt.Errorf("failed to create request: %w", err)}
		}
		req.Header = header
		resp, err = c.retrying.Do(req)
	} else {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, &TransportError{Operation: op, Err: fmt.Errorf("failed to create request: %w", err)}
		}
		req.Header = header
		resp, err = c.plain.Do(req)
	}
	if err != nil {
		return nil, 0, &TransportError{Operation: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "operation", op, "err", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return body, resp.StatusCode, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
