// Package gateway submits payment jobs to the external payment gateway.
//
// The client performs exactly one HTTP call per Submit. Retrying is the
// caller's job (see package retry); the job's idempotency key is sent on
// every call so the gateway deduplicates attempts whose response was lost.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-payment-queue/internal/domain"
	"github.com/tbourn/go-payment-queue/internal/utils"
)

const (
	paymentsPath      = "/v1/payments"
	idempotencyHeader = "X-Idempotency-Key"

	// maxErrorBody bounds how much of a failed response is kept for last_error.
	maxErrorBody = 512
)

// ErrEmptyPayload is returned when a job carries no payment body.
var ErrEmptyPayload = errors.New("job has empty payment payload")

// Gateway payment statuses.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// Response is the subset of the gateway's payment resource the queue keeps.
type Response struct {
	ID           string
	Status       string
	StatusDetail string
	QRCode       string
	QRCodeBase64 string
	TicketURL    string
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus exposes the status code to retry classification.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Client calls the gateway's payment-creation endpoint.
type Client struct {
	BaseURL     string
	AccessToken string
	HTTP        *http.Client
}

// New returns a Client with its own http.Client bounded by timeout.
func New(baseURL, accessToken string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AccessToken: accessToken,
		HTTP:        &http.Client{Timeout: timeout},
	}
}

// Submit forwards job.PaymentPayload to the gateway once, keyed by
// job.IdempotencyKey. Non-2xx answers come back as *StatusError.
func (c *Client) Submit(ctx context.Context, job *domain.PaymentJob) (*Response, error) {
	ctx, span := otel.Tracer("gateway/Client").Start(ctx, "Submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("payment.type", string(job.PaymentType)),
			attribute.Int("job.attempt", job.Attempts),
		),
	)
	defer span.End()

	if len(job.PaymentPayload) == 0 {
		return nil, ErrEmptyPayload
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+paymentsPath, bytes.NewReader(job.PaymentPayload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(idempotencyHeader, job.IdempotencyKey)
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode, Body: utils.Truncate(string(body), maxErrorBody)}
		span.SetStatus(codes.Error, serr.Error())
		return nil, serr
	}

	out, err := parseResponse(body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("gateway.payment_id", out.ID),
		attribute.String("gateway.status", out.Status),
	)
	return out, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// wire format of the gateway payment resource
type paymentResource struct {
	ID                 json.RawMessage `json:"id"`
	Status             string          `json:"status"`
	StatusDetail       string          `json:"status_detail"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// DecodeError reports a 2xx response that could not be understood. The
// gateway may already have created the payment, so the call is worth
// repeating: the same idempotency key makes it return that payment again.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string   { return "decode gateway response: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error   { return e.Err }
func (e *DecodeError) Transient() bool { return true }

func parseResponse(body []byte) (*Response, error) {
	var r paymentResource
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &DecodeError{Err: err}
	}
	// ids arrive as numbers; accept strings too
	id := strings.Trim(string(r.ID), `"`)
	if id == "" || id == "null" {
		return nil, &DecodeError{Err: errors.New("response has no payment id")}
	}
	td := r.PointOfInteraction.TransactionData
	return &Response{
		ID:           id,
		Status:       r.Status,
		StatusDetail: r.StatusDetail,
		QRCode:       td.QRCode,
		QRCodeBase64: td.QRCodeBase64,
		TicketURL:    td.TicketURL,
	}, nil
}
