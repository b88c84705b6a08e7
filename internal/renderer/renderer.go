// Package renderer produces purchase order PDF artifacts via a Gotenberg
// instance and files them in the document store.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/amperebm/procurement/internal/approvals"
	"github.com/amperebm/procurement/internal/docstore"
)

// Client wraps interactions with the Gotenberg API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping checks if the remote Gotenberg service is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gotenberg returned status %d", resp.StatusCode)
	}
	return nil
}

// RenderHTML converts raw HTML into a PDF document using Gotenberg.
func (c *Client) RenderHTML(ctx context.Context, html string) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("files", "document.html")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, bytes.NewBufferString(html)); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/forms/chromium/convert/html", c.baseURL), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("render failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

var poTemplate = template.Must(template.New("po").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Purchase Order {{.Number}}</title></head>
<body>
<h1>Purchase Order {{.Number}}</h1>
<p>Project: {{.ProjectID}}</p>
<p>Counterparty: {{.CounterpartyID}}</p>
{{if .SourceDocumentNumber}}<p>Quotation Ref: {{.SourceDocumentNumber}}</p>{{end}}
<table border="1" cellspacing="0" cellpadding="6">
<tr><td>Subtotal</td><td>{{printf "%.2f" .Terms.Subtotal}} {{.Terms.Currency}}</td></tr>
<tr><td>Tax</td><td>{{printf "%.2f" .Terms.TaxAmount}} {{.Terms.Currency}}</td></tr>
<tr><td><strong>Total</strong></td><td><strong>{{printf "%.2f" .Terms.TotalAmount}} {{.Terms.Currency}}</strong></td></tr>
</table>
{{if .Terms.PaymentTerms}}<p>Payment Terms: {{.Terms.PaymentTerms}}</p>{{end}}
{{if .Terms.TermsAndConditions}}<p>{{.Terms.TermsAndConditions}}</p>{{end}}
<p>Issued by {{.IssuedBy}}</p>
</body>
</html>`))

// PORenderer renders approved purchase orders and stores the PDF.
type PORenderer struct {
	client *Client
	store  docstore.Store
}

// NewPORenderer constructs the renderer.
func NewPORenderer(client *Client, store docstore.Store) *PORenderer {
	return &PORenderer{client: client, store: store}
}

// RenderPO builds the PO document, converts it to PDF and returns the
// storage key of the stored artifact.
func (r *PORenderer) RenderPO(ctx context.Context, snapshot approvals.POSnapshot) (string, error) {
	var buf bytes.Buffer
	if err := poTemplate.Execute(&buf, snapshot); err != nil {
		return "", fmt.Errorf("render po template: %w", err)
	}
	pdf, err := r.client.RenderHTML(ctx, buf.String())
	if err != nil {
		return "", fmt.Errorf("convert po %s: %w", snapshot.Number, err)
	}
	key, err := r.store.Put(ctx, pdf, "application/pdf")
	if err != nil {
		return "", fmt.Errorf("store po artifact: %w", err)
	}
	return key, nil
}
