// Package client talks to the order and payment collaborators through the
// common gateway.  Every response is wrapped in a {code, message, data}
// envelope; transport errors, timeouts and 5xx answers surface as
// ErrUnavailable because the remote outcome is unknown.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the call may or may not have taken effect.
	ErrUnavailable = errors.New("collaborator unavailable")
	// ErrNotFound is the envelope's domain 404: empty collection or missing record.
	ErrNotFound = errors.New("collaborator: not found")
	// ErrDeclined is a definitive payment decline.
	ErrDeclined = errors.New("payment declined")
	// ErrRejected is any other definitive 4xx answer.
	ErrRejected = errors.New("collaborator rejected request")
)

// Envelope is the response wrapper used by every gateway service.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CallError describes a failed collaborator call.  It unwraps to one of the
// package sentinels and, for transport failures, to the underlying error.
type CallError struct {
	Op      string
	Status  int
	Message string
	Kind    error
	Cause   error
}

func (e *CallError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *CallError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

type bearerKey struct{}

// WithBearer returns a context carrying the inbound bearer token so that
// outbound calls forward it.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey{}, token)
}

func bearerFrom(ctx context.Context) string {
	s, _ := ctx.Value(bearerKey{}).(string)
	return s
}

// gateway holds what the order and payment clients share.
type gateway struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func newGateway(baseURL string, timeout time.Duration, hc *http.Client) gateway {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return gateway{baseURL: strings.TrimRight(baseURL, "/"), http: hc, timeout: timeout}
}

// do performs one call with its own timeout and decodes the envelope's data
// into out (when non-nil).
func (g gateway) do(ctx context.Context, op, method, path string, body interface{}, idemKey string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if tok := bearerFrom(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return &CallError{Op: op, Kind: ErrUnavailable, Cause: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &CallError{Op: op, Status: resp.StatusCode, Kind: ErrUnavailable, Cause: err}
	}

	var env Envelope
	decodeErr := json.Unmarshal(raw, &env)
	code := resp.StatusCode
	if decodeErr == nil && env.Code != 0 && code < 300 {
		// the envelope code wins over a 200 transport status
		code = env.Code
	}

	switch {
	case code >= 500:
		return &CallError{Op: op, Status: code, Message: env.Message, Kind: ErrUnavailable}
	case code == http.StatusNotFound:
		return &CallError{Op: op, Status: code, Message: env.Message, Kind: ErrNotFound}
	case code == http.StatusPaymentRequired:
		return &CallError{Op: op, Status: code, Message: env.Message, Kind: ErrDeclined}
	case code >= 400:
		return &CallError{Op: op, Status: code, Message: env.Message, Kind: ErrRejected}
	}

	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return &CallError{Op: op, Status: code, Kind: ErrUnavailable, Cause: decodeErr}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &CallError{Op: op, Status: code, Kind: ErrUnavailable, Cause: err}
	}
	return nil
}

// Cents converts a decimal currency amount to integer cents, rounding half
// away from zero.  The product is first rounded to micro-cents so binary
// noise such as 0.285*100 == 28.4999... does not decide the result.
func Cents(amount float64) int64 {
	return int64(math.Round(math.Round(amount*1e8) / 1e6))
}

// Amount converts integer cents back to a decimal currency amount.
func Amount(cents int64) float64 { return float64(cents) / 100 }
