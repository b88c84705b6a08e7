package renderer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amperebm/procurement/internal/approvals"
)

type captureStore struct {
	data        []byte
	contentType string
}

func (s *captureStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	s.data = data
	s.contentType = contentType
	return "artifact-1", nil
}

func (s *captureStore) Get(ctx context.Context, key string) ([]byte, error) { return s.data, nil }

func (s *captureStore) Delete(ctx context.Context, key string) error { return nil }

func TestClientPing(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	require.NoError(t, NewClient(up.URL).Ping(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	require.Error(t, NewClient(down.URL).Ping(context.Background()))
}

func TestRenderPO(t *testing.T) {
	var rendered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/forms/chromium/convert/html", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("files")
		require.NoError(t, err)
		html, err := io.ReadAll(file)
		require.NoError(t, err)
		rendered = string(html)
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	store := &captureStore{}
	r := NewPORenderer(NewClient(srv.URL), store)

	quotationRef := "Q-2024-011"
	key, err := r.RenderPO(context.Background(), approvals.POSnapshot{
		Number:               "PO-00001",
		ProjectID:            uuid.New(),
		CounterpartyID:       uuid.New(),
		SourceDocumentNumber: &quotationRef,
		IssuedBy:             "u-approver",
		Terms: approvals.TermsSnapshot{
			Subtotal:    10000,
			TaxAmount:   700,
			TotalAmount: 10700,
			Currency:    "SGD",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "artifact-1", key)
	assert.Equal(t, "application/pdf", store.contentType)
	assert.Equal(t, []byte("%PDF-1.4 fake"), store.data)
	assert.Contains(t, rendered, "PO-00001")
	assert.Contains(t, rendered, "Q-2024-011")
	assert.Contains(t, rendered, "10700.00 SGD")
}

func TestRenderPOUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewPORenderer(NewClient(srv.URL), &captureStore{})
	_, err := r.RenderPO(context.Background(), approvals.POSnapshot{Number: "PO-00002"})
	require.Error(t, err)
}
