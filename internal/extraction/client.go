// Package extraction defines the contract with the external AI extraction
// service and its HTTP implementation.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// JobState mirrors the extraction service job lifecycle.
type JobState string

const (
	StatePending JobState = "PENDING"
	StateDone    JobState = "DONE"
	StateError   JobState = "ERROR"
)

// LineItem is one extracted commercial line on the wire.
type LineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unit_price,omitempty"`
	Amount      float64  `json:"amount"`
}

// Fields is the structured data the extractor returns for a document.
type Fields struct {
	DocumentNumber      *string    `json:"document_number,omitempty"`
	DocumentDate        *time.Time `json:"document_date,omitempty"`
	TotalAmount         *float64   `json:"total_amount,omitempty"`
	TaxAmount           *float64   `json:"tax_amount,omitempty"`
	Currency            *string    `json:"currency,omitempty"`
	CounterpartyName    string     `json:"counterparty_name,omitempty"`
	LineItems           []LineItem `json:"line_items,omitempty"`
	PaymentTerms        string     `json:"payment_terms,omitempty"`
	DueDate             *time.Time `json:"due_date,omitempty"`
	Reference           string     `json:"reference,omitempty"`
	PredecessorPONumber string     `json:"predecessor_po_number,omitempty"`
}

// JobStatus is one poll response.
type JobStatus struct {
	State        JobState `json:"status"`
	Fields       *Fields  `json:"fields,omitempty"`
	Confidence   int      `json:"confidence,omitempty"`
	InferredType string   `json:"inferred_type,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// Client is the extraction service contract.
type Client interface {
	Submit(ctx context.Context, documentKey, declaredType string) (string, error)
	Poll(ctx context.Context, jobID string) (JobStatus, error)
}

// HTTPClient talks to the extraction service over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient constructs a client.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Submit schedules extraction for a stored document and returns the
// external job id.
func (c *HTTPClient) Submit(ctx context.Context, documentKey, declaredType string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"document_key":  documentKey,
		"declared_type": declaredType,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/extractions", c.baseURL), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("extraction submit returned status %d", resp.StatusCode)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("extraction submit returned empty job id")
	}
	return out.JobID, nil
}

// Poll fetches the current job status.
func (c *HTTPClient) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/extractions/%s", c.baseURL, jobID), nil)
	if err != nil {
		return JobStatus{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JobStatus{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return JobStatus{}, fmt.Errorf("extraction poll returned status %d", resp.StatusCode)
	}
	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return JobStatus{}, err
	}
	return status, nil
}

// ToResult converts a DONE job status into the lifecycle manager's input
// shape. Defined here so the webhook handler and the poll job share one
// mapping.
func (s JobStatus) ToResult() Result {
	r := Result{
		Confidence:   s.Confidence,
		InferredType: s.InferredType,
	}
	if s.Fields != nil {
		r.Fields = *s.Fields
	}
	return r
}

// Result pairs extracted fields with classification metadata.
type Result struct {
	Fields       Fields
	Confidence   int
	InferredType string
}
