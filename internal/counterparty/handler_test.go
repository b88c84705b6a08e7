package counterparty

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amperebm/procurement/internal/matching"
	"github.com/amperebm/procurement/internal/shared"
)

type fakeDirectory struct {
	entries    map[uuid.UUID]Counterparty
	candidates []matching.Candidate
}

func (d *fakeDirectory) Get(ctx context.Context, id uuid.UUID) (Counterparty, error) {
	c, ok := d.entries[id]
	if !ok {
		return Counterparty{}, shared.ErrNotFound
	}
	return c, nil
}

func (d *fakeDirectory) ListCandidates(ctx context.Context, projectID uuid.UUID) ([]matching.Candidate, error) {
	return d.candidates, nil
}

func newTestRouter(d Directory) chi.Router {
	r := chi.NewRouter()
	NewHandler(slog.Default(), d).MountRoutes(r)
	return r
}

func TestGetCounterparty(t *testing.T) {
	projectID := uuid.New()
	cp := Counterparty{ID: uuid.New(), ProjectID: &projectID, Name: "ABC Pte Ltd", Kind: KindSupplier}
	router := newTestRouter(&fakeDirectory{entries: map[uuid.UUID]Counterparty{cp.ID: cp}})

	req := httptest.NewRequest(http.MethodGet, "/counterparties/"+cp.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got CounterpartyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, "ABC Pte Ltd", got.Name)
	assert.Equal(t, KindSupplier, got.Kind)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, projectID, *got.ProjectID)
}

func TestGetCounterpartyNotFound(t *testing.T) {
	router := newTestRouter(&fakeDirectory{entries: map[uuid.UUID]Counterparty{}})

	req := httptest.NewRequest(http.MethodGet, "/counterparties/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCounterpartyInvalidID(t *testing.T) {
	router := newTestRouter(&fakeDirectory{})

	req := httptest.NewRequest(http.MethodGet, "/counterparties/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCounterparties(t *testing.T) {
	dir := &fakeDirectory{candidates: []matching.Candidate{
		{ID: uuid.New(), Name: "ABC Pte Ltd"},
		{ID: uuid.New(), Name: "XYZ Engineering"},
	}}
	router := newTestRouter(dir)

	req := httptest.NewRequest(http.MethodGet, "/counterparties?project_id="+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []CounterpartyResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "ABC Pte Ltd", resp.Items[0].Name)

	// project_id is mandatory
	req = httptest.NewRequest(http.MethodGet, "/counterparties", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
