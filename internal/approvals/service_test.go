package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/shared"
)

type mockRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*POApprovalRequest
	pos      map[uuid.UUID]*PurchaseOrder
	docs     map[uuid.UUID]*SourceDocument
	links    map[uuid.UUID][]uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		requests: make(map[uuid.UUID]*POApprovalRequest),
		pos:      make(map[uuid.UUID]*PurchaseOrder),
		docs:     make(map[uuid.UUID]*SourceDocument),
		links:    make(map[uuid.UUID][]uuid.UUID),
	}
}

// WithTx holds the lock for the whole callback, the same serialization a
// row-locked transaction gives the real repository.
func (m *mockRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &mockTx{repo: m})
}

func (m *mockRepo) GetRequest(ctx context.Context, id uuid.UUID) (POApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return POApprovalRequest{}, shared.ErrNotFound
	}
	return *req, nil
}

func (m *mockRepo) ListRequests(ctx context.Context, projectID uuid.UUID, status *RequestStatus) ([]POApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []POApprovalRequest
	for _, req := range m.requests {
		if req.ProjectID != projectID {
			continue
		}
		if status != nil && req.Status != *status {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

func (m *mockRepo) GetPO(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.pos[id]
	if !ok {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	return *po, nil
}

func (m *mockRepo) ListPOs(ctx context.Context, projectID uuid.UUID) ([]PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range m.pos {
		if po.ProjectID == projectID {
			out = append(out, *po)
		}
	}
	return out, nil
}

func (m *mockRepo) LinkedDocumentIDs(ctx context.Context, poID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[poID], nil
}

func (m *mockRepo) PersistAllocation(ctx context.Context, requestID uuid.UUID, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return shared.ErrNotFound
	}
	if req.Status != RequestPending || req.AllocatedNumber != "" {
		return fmt.Errorf("%w: request already carries an allocation or decision", shared.ErrConflict)
	}
	req.AllocatedNumber = number
	return nil
}

func (m *mockRepo) PersistArtifact(ctx context.Context, requestID uuid.UUID, artifactKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return shared.ErrNotFound
	}
	if req.Status == RequestPending {
		req.ArtifactKey = artifactKey
	}
	return nil
}

type mockTx struct {
	repo *mockRepo
}

func (t *mockTx) InsertRequest(ctx context.Context, req POApprovalRequest) error {
	for _, existing := range t.repo.requests {
		if existing.DocumentID == req.DocumentID && existing.Status == RequestPending {
			return fmt.Errorf("%w: document already has a pending approval request", shared.ErrConflict)
		}
	}
	t.repo.requests[req.ID] = &req
	return nil
}

func (t *mockTx) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (POApprovalRequest, error) {
	req, ok := t.repo.requests[id]
	if !ok {
		return POApprovalRequest{}, shared.ErrNotFound
	}
	return *req, nil
}

func (t *mockTx) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus, decidedBy, comments string) error {
	req, ok := t.repo.requests[id]
	if !ok {
		return shared.ErrNotFound
	}
	if req.Status != from {
		return fmt.Errorf("%w: request %s is no longer %s", shared.ErrConflict, id, from)
	}
	now := time.Now().UTC()
	req.Status = to
	req.DecidedBy = decidedBy
	req.DecisionComments = comments
	req.DecidedAt = &now
	return nil
}

func (t *mockTx) SetGeneratedPO(ctx context.Context, requestID, poID uuid.UUID) error {
	req, ok := t.repo.requests[requestID]
	if !ok {
		return shared.ErrNotFound
	}
	req.GeneratedPOID = &poID
	return nil
}

func (t *mockTx) InsertPO(ctx context.Context, po PurchaseOrder) error {
	for _, existing := range t.repo.pos {
		if existing.Number == po.Number {
			return fmt.Errorf("%w: po number %s already issued", shared.ErrConflict, po.Number)
		}
	}
	t.repo.pos[po.ID] = &po
	return nil
}

func (t *mockTx) InsertPOLink(ctx context.Context, poID, documentID uuid.UUID, linkType string) error {
	t.repo.links[poID] = append(t.repo.links[poID], documentID)
	return nil
}

func (t *mockTx) GetDocumentForUpdate(ctx context.Context, documentID uuid.UUID) (SourceDocument, error) {
	doc, ok := t.repo.docs[documentID]
	if !ok {
		return SourceDocument{}, shared.ErrNotFound
	}
	return *doc, nil
}

func (t *mockTx) UpdateDocumentStatus(ctx context.Context, documentID uuid.UUID, from, to documents.DocumentStatus) error {
	doc, ok := t.repo.docs[documentID]
	if !ok {
		return shared.ErrNotFound
	}
	if doc.Status != from {
		return fmt.Errorf("%w: document %s is no longer %s", shared.ErrConflict, documentID, from)
	}
	doc.Status = to
	return nil
}

func (t *mockTx) SetDocumentPOLink(ctx context.Context, documentID, poID uuid.UUID) error {
	return nil
}

type mockAllocator struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (a *mockAllocator) Next(ctx context.Context, projectID uuid.UUID) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return "", a.fail
	}
	a.calls++
	return fmt.Sprintf("PO-%05d", a.calls), nil
}

type mockRenderer struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (r *mockRenderer) RenderPO(ctx context.Context, snapshot POSnapshot) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return "", r.fail
	}
	return fmt.Sprintf("artifact-%s-%d", snapshot.Number, r.calls), nil
}

type fixture struct {
	service   *Service
	repo      *mockRepo
	allocator *mockAllocator
	renderer  *mockRenderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMockRepo()
	allocator := &mockAllocator{}
	renderer := &mockRenderer{}
	service := NewService(ServiceConfig{
		Repo:      repo,
		Allocator: allocator,
		Renderer:  renderer,
		Logger:    slog.Default(),
	})
	return &fixture{service: service, repo: repo, allocator: allocator, renderer: renderer}
}

func (f *fixture) seedQuotation(t *testing.T) *SourceDocument {
	t.Helper()
	total := 10700.0
	tax := 700.0
	number := "Q-2024-011"
	cp := uuid.New()
	doc := &SourceDocument{
		ID:             uuid.New(),
		ProjectID:      uuid.New(),
		Type:           documents.TypeSupplierQuotation,
		Status:         documents.StatusExtracted,
		DocumentNumber: &number,
		TotalAmount:    &total,
		TaxAmount:      &tax,
		CounterpartyID: &cp,
	}
	f.repo.docs[doc.ID] = doc
	return doc
}

func (f *fixture) openRequest(t *testing.T) POApprovalRequest {
	t.Helper()
	doc := f.seedQuotation(t)
	req, err := f.service.RequestPOGeneration(context.Background(), RequestInput{
		DocumentID:  doc.ID,
		RequestedBy: "u-requester",
	})
	require.NoError(t, err)
	return req
}

func TestRequestPOGeneration(t *testing.T) {
	f := newFixture(t)
	doc := f.seedQuotation(t)

	req, err := f.service.RequestPOGeneration(context.Background(), RequestInput{
		DocumentID:   doc.ID,
		RequestedBy:  "u-requester",
		PaymentTerms: "30 days",
	})
	require.NoError(t, err)

	assert.Equal(t, RequestPending, req.Status)
	assert.InDelta(t, 10000.0, req.Terms.Subtotal, 0.001)
	assert.InDelta(t, 700.0, req.Terms.TaxAmount, 0.001)
	assert.InDelta(t, 10700.0, req.Terms.TotalAmount, 0.001)
	assert.Equal(t, "SGD", req.Terms.Currency)
	assert.Equal(t, "30 days", req.Terms.PaymentTerms)
	assert.Equal(t, documents.StatusPendingApproval, f.repo.docs[doc.ID].Status)
}

func TestRequestPOGenerationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("wrong type", func(t *testing.T) {
		doc := f.seedQuotation(t)
		doc.Type = documents.TypeSupplierInvoice
		_, err := f.service.RequestPOGeneration(ctx, RequestInput{DocumentID: doc.ID})
		require.ErrorIs(t, err, shared.ErrValidation)
	})
	t.Run("wrong status", func(t *testing.T) {
		doc := f.seedQuotation(t)
		doc.Status = documents.StatusUploaded
		_, err := f.service.RequestPOGeneration(ctx, RequestInput{DocumentID: doc.ID})
		require.ErrorIs(t, err, shared.ErrConflict)
	})
	t.Run("no counterparty", func(t *testing.T) {
		doc := f.seedQuotation(t)
		doc.CounterpartyID = nil
		_, err := f.service.RequestPOGeneration(ctx, RequestInput{DocumentID: doc.ID})
		require.ErrorIs(t, err, shared.ErrValidation)
	})
	t.Run("no total", func(t *testing.T) {
		doc := f.seedQuotation(t)
		doc.TotalAmount = nil
		_, err := f.service.RequestPOGeneration(ctx, RequestInput{DocumentID: doc.ID})
		require.ErrorIs(t, err, shared.ErrValidation)
	})
}

func TestRequestPOGenerationDuplicatePending(t *testing.T) {
	f := newFixture(t)
	doc := f.seedQuotation(t)
	ctx := context.Background()

	_, err := f.service.RequestPOGeneration(ctx, RequestInput{DocumentID: doc.ID})
	require.NoError(t, err)

	// the document has left EXTRACTED, so a second request conflicts
	_, err = f.service.RequestPOGeneration(ctx, RequestInput{DocumentID: doc.ID})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestRejectRequiresComments(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)

	_, err := f.service.Decide(context.Background(), req.ID, DecisionRejected, "u-approver", "")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRejectReturnsDocumentToExtracted(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)

	decided, err := f.service.Decide(context.Background(), req.ID, DecisionRejected, "u-approver", "price too high")
	require.NoError(t, err)

	assert.Equal(t, RequestRejected, decided.Status)
	assert.Equal(t, "price too high", decided.DecisionComments)
	assert.Equal(t, documents.StatusExtracted, f.repo.docs[req.DocumentID].Status)
	assert.Zero(t, f.allocator.calls)
	assert.Zero(t, f.renderer.calls)
}

func TestApproveIssuesPurchaseOrder(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)

	decided, err := f.service.Decide(context.Background(), req.ID, DecisionApproved, "u-approver", "go ahead")
	require.NoError(t, err)

	assert.Equal(t, RequestApproved, decided.Status)
	require.NotNil(t, decided.GeneratedPOID)

	po := f.repo.pos[*decided.GeneratedPOID]
	require.NotNil(t, po)
	assert.Equal(t, "PO-00001", po.Number)
	assert.Equal(t, 0, po.Revision)
	assert.Nil(t, po.PredecessorID)
	assert.Equal(t, req.Terms, po.Terms)
	assert.NotEmpty(t, po.ArtifactKey)
	require.NotNil(t, po.SourceQuotationID)
	assert.Equal(t, req.DocumentID, *po.SourceQuotationID)

	assert.Equal(t, documents.StatusLinked, f.repo.docs[req.DocumentID].Status)
	assert.Contains(t, f.repo.links[po.ID], req.DocumentID)
	assert.Equal(t, 1, f.allocator.calls)
	assert.Equal(t, 1, f.renderer.calls)
}

func TestDecideTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)
	ctx := context.Background()

	_, err := f.service.Decide(ctx, req.ID, DecisionApproved, "u-approver", "")
	require.NoError(t, err)

	_, err = f.service.Decide(ctx, req.ID, DecisionApproved, "u-approver", "")
	require.ErrorIs(t, err, shared.ErrConflict)

	// exactly one PO, one number, one artifact
	assert.Len(t, f.repo.pos, 1)
	assert.Equal(t, 1, f.allocator.calls)
	assert.Equal(t, 1, f.renderer.calls)
}

// staleReadRepo serves one request from a fixed snapshot so the
// outside-transaction read in Decide sees out-of-date state.
type staleReadRepo struct {
	*mockRepo
	stale POApprovalRequest
}

func (r *staleReadRepo) GetRequest(ctx context.Context, id uuid.UUID) (POApprovalRequest, error) {
	if id == r.stale.ID {
		return r.stale, nil
	}
	return r.mockRepo.GetRequest(ctx, id)
}

func TestDecideStaleRequestConflicts(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)
	ctx := context.Background()

	decided, err := f.service.Decide(ctx, req.ID, DecisionApproved, "u-approver", "")
	require.NoError(t, err)

	// a caller whose fast-path read predates the decision still passes the
	// PENDING check; the row-locked re-check inside the transaction must
	// refuse both outcomes
	stale := decided
	stale.Status = RequestPending
	staleService := NewService(ServiceConfig{
		Repo:      &staleReadRepo{mockRepo: f.repo, stale: stale},
		Allocator: f.allocator,
		Renderer:  f.renderer,
		Logger:    slog.Default(),
	})

	_, err = staleService.Decide(ctx, req.ID, DecisionApproved, "u-approver", "")
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = staleService.Decide(ctx, req.ID, DecisionRejected, "u-approver", "late rejection")
	require.ErrorIs(t, err, shared.ErrConflict)

	assert.Len(t, f.repo.pos, 1)
	assert.Equal(t, 1, f.allocator.calls)
	assert.Equal(t, 1, f.renderer.calls)
}

func TestApproveRenderFailureResumes(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)
	ctx := context.Background()

	f.renderer.fail = fmt.Errorf("gotenberg unreachable")
	_, err := f.service.Decide(ctx, req.ID, DecisionApproved, "u-approver", "")
	require.ErrorIs(t, err, shared.ErrExternalService)

	// the request survives in PENDING with its number consumed
	stored, err := f.service.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, stored.Status)
	assert.Equal(t, "PO-00001", stored.AllocatedNumber)
	assert.Empty(t, stored.ArtifactKey)
	assert.Empty(t, f.repo.pos)

	// the retry reuses the allocation instead of consuming another number
	f.renderer.fail = nil
	decided, err := f.service.Decide(ctx, req.ID, DecisionApproved, "u-approver", "")
	require.NoError(t, err)
	assert.Equal(t, RequestApproved, decided.Status)
	assert.Equal(t, 1, f.allocator.calls)
	assert.Equal(t, 2, f.renderer.calls)

	po := f.repo.pos[*decided.GeneratedPOID]
	require.NotNil(t, po)
	assert.Equal(t, "PO-00001", po.Number)
}

func TestApproveAllocatorFailure(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)

	f.allocator.fail = ErrNumberExhausted
	_, err := f.service.Decide(context.Background(), req.ID, DecisionApproved, "u-approver", "")
	require.ErrorIs(t, err, ErrNumberExhausted)

	stored, getErr := f.service.GetRequest(context.Background(), req.ID)
	require.NoError(t, getErr)
	assert.Equal(t, RequestPending, stored.Status)
}

func TestConcurrentApprovalsAllocateDistinctNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 50
	requests := make([]POApprovalRequest, 0, n)
	for i := 0; i < n; i++ {
		requests = append(requests, f.openRequest(t))
	}

	numbers := make(chan string, n)
	var wg sync.WaitGroup
	for _, req := range requests {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			decided, err := f.service.Decide(ctx, id, DecisionApproved, "u-approver", "")
			if err != nil {
				numbers <- fmt.Sprintf("error: %v", err)
				return
			}
			po, err := f.repo.GetPO(ctx, *decided.GeneratedPOID)
			if err != nil {
				numbers <- fmt.Sprintf("error: %v", err)
				return
			}
			numbers <- po.Number
		}(req.ID)
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool, n)
	for number := range numbers {
		assert.NotContains(t, number, "error", number)
		assert.False(t, seen[number], "duplicate number %s", number)
		seen[number] = true
	}
	assert.Len(t, seen, n)
}

func TestDecideUnknownDecision(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)

	_, err := f.service.Decide(context.Background(), req.ID, Decision("MAYBE"), "u-approver", "")
	require.ErrorIs(t, err, shared.ErrValidation)
}
