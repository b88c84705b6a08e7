package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amperebm/procurement/internal/approvals"
	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/shared"
)

type mockRepo struct {
	docs     map[uuid.UUID]*approvals.SourceDocument
	pos      map[uuid.UUID]*approvals.PurchaseOrder
	links    map[uuid.UUID][]uuid.UUID
	warnings map[uuid.UUID][]documents.Warning
	docLinks map[uuid.UUID]uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		docs:     make(map[uuid.UUID]*approvals.SourceDocument),
		pos:      make(map[uuid.UUID]*approvals.PurchaseOrder),
		links:    make(map[uuid.UUID][]uuid.UUID),
		warnings: make(map[uuid.UUID][]documents.Warning),
		docLinks: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &mockTx{repo: m})
}

func (m *mockRepo) GetDocument(ctx context.Context, id uuid.UUID) (approvals.SourceDocument, error) {
	doc, ok := m.docs[id]
	if !ok {
		return approvals.SourceDocument{}, shared.ErrNotFound
	}
	return *doc, nil
}

func (m *mockRepo) CandidatePOs(ctx context.Context, projectID uuid.UUID) ([]approvals.PurchaseOrder, error) {
	var out []approvals.PurchaseOrder
	for _, po := range m.pos {
		if po.ProjectID != projectID {
			continue
		}
		if m.hasSuccessor(po.ID) {
			continue
		}
		out = append(out, *po)
	}
	return out, nil
}

func (m *mockRepo) hasSuccessor(poID uuid.UUID) bool {
	for _, po := range m.pos {
		if po.PredecessorID != nil && *po.PredecessorID == poID {
			return true
		}
	}
	return false
}

type mockTx struct {
	repo *mockRepo
}

func (t *mockTx) GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (approvals.SourceDocument, error) {
	return t.repo.GetDocument(ctx, id)
}

func (t *mockTx) GetPOForUpdate(ctx context.Context, id uuid.UUID) (approvals.PurchaseOrder, error) {
	po, ok := t.repo.pos[id]
	if !ok {
		return approvals.PurchaseOrder{}, shared.ErrNotFound
	}
	return *po, nil
}

func (t *mockTx) HasSuccessor(ctx context.Context, poID uuid.UUID) (bool, error) {
	return t.repo.hasSuccessor(poID), nil
}

func (t *mockTx) UpdateBilledAmount(ctx context.Context, poID uuid.UUID, amount float64) error {
	po, ok := t.repo.pos[poID]
	if !ok {
		return shared.ErrNotFound
	}
	po.BilledAmount = amount
	return nil
}

func (t *mockTx) InsertPO(ctx context.Context, po approvals.PurchaseOrder) error {
	t.repo.pos[po.ID] = &po
	return nil
}

func (t *mockTx) InsertPOLink(ctx context.Context, poID, documentID uuid.UUID, linkType string) error {
	t.repo.links[poID] = append(t.repo.links[poID], documentID)
	return nil
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
	t.repo.docLinks[documentID] = poID
	return nil
}

func (t *mockTx) InsertWarning(ctx context.Context, w documents.Warning) error {
	t.repo.warnings[w.DocumentID] = append(t.repo.warnings[w.DocumentID], w)
	return nil
}

type fixture struct {
	service *Service
	repo    *mockRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMockRepo()
	return &fixture{
		service: NewService(ServiceConfig{Repo: repo, Logger: slog.Default()}),
		repo:    repo,
	}
}

func (f *fixture) seedPO(projectID, counterpartyID uuid.UUID, number string, total float64) *approvals.PurchaseOrder {
	po := &approvals.PurchaseOrder{
		ID:             uuid.New(),
		ProjectID:      projectID,
		Number:         number,
		CounterpartyID: counterpartyID,
		Terms: approvals.TermsSnapshot{
			Subtotal:    total,
			TotalAmount: total,
			Currency:    "SGD",
		},
		IssuedAt: time.Now().UTC(),
	}
	f.repo.pos[po.ID] = po
	return po
}

func (f *fixture) seedDocument(projectID uuid.UUID, docType documents.DocumentType, counterpartyID *uuid.UUID, total float64) *approvals.SourceDocument {
	doc := &approvals.SourceDocument{
		ID:             uuid.New(),
		ProjectID:      projectID,
		Type:           docType,
		Status:         documents.StatusExtracted,
		TotalAmount:    &total,
		CounterpartyID: counterpartyID,
	}
	f.repo.docs[doc.ID] = doc
	return doc
}

func TestProposeLinkageRanking(t *testing.T) {
	f := newFixture(t)
	projectID := uuid.New()
	supplier := uuid.New()
	other := uuid.New()

	f.seedPO(projectID, supplier, "PO-MATCH-CLOSE", 10000)
	f.seedPO(projectID, supplier, "PO-MATCH-FAR", 20000)
	f.seedPO(projectID, other, "PO-NOMATCH-CLOSE", 10000)

	doc := f.seedDocument(projectID, documents.TypeSupplierInvoice, &supplier, 10000)

	proposals, err := f.service.ProposeLinkage(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, proposals, 3)

	assert.Equal(t, "PO-MATCH-CLOSE", proposals[0].PONumber)
	assert.Equal(t, "PO-MATCH-FAR", proposals[1].PONumber)
	assert.Equal(t, "PO-NOMATCH-CLOSE", proposals[2].PONumber)
	assert.True(t, proposals[0].SupplierMatches)
	assert.InDelta(t, 0.0, proposals[0].AmountDeltaPct, 0.001)
	assert.InDelta(t, 50.0, proposals[1].AmountDeltaPct, 0.001)
	assert.False(t, proposals[2].SupplierMatches)
}

func TestProposeLinkageRejectsWrongType(t *testing.T) {
	f := newFixture(t)
	projectID := uuid.New()
	doc := f.seedDocument(projectID, documents.TypeSupplierQuotation, nil, 10000)

	_, err := f.service.ProposeLinkage(context.Background(), doc.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConfirmLinkageInvoice(t *testing.T) {
	f := newFixture(t)
	projectID := uuid.New()
	supplier := uuid.New()
	po := f.seedPO(projectID, supplier, "PO-100", 10000)
	doc := f.seedDocument(projectID, documents.TypeSupplierInvoice, &supplier, 4000)

	require.NoError(t, f.service.ConfirmLinkage(context.Background(), doc.ID, po.ID, "u-1"))

	assert.InDelta(t, 4000.0, f.repo.pos[po.ID].BilledAmount, 0.001)
	assert.Equal(t, documents.StatusLinked, f.repo.docs[doc.ID].Status)
	assert.Equal(t, po.ID, f.repo.docLinks[doc.ID])
	assert.Contains(t, f.repo.links[po.ID], doc.ID)
	assert.Empty(t, f.repo.warnings[doc.ID])
}

func TestConfirmLinkageOverBilling(t *testing.T) {
	f := newFixture(t)
	projectID := uuid.New()
	supplier := uuid.New()
	po := f.seedPO(projectID, supplier, "PO-100", 10000)
	po.BilledAmount = 8000

	doc := f.seedDocument(projectID, documents.TypeSupplierInvoice, &supplier, 3000)

	// over-billing warns but never blocks
	require.NoError(t, f.service.ConfirmLinkage(context.Background(), doc.ID, po.ID, "u-1"))

	assert.InDelta(t, 11000.0, f.repo.pos[po.ID].BilledAmount, 0.001)
	assert.Equal(t, documents.StatusLinked, f.repo.docs[doc.ID].Status)

	warnings := f.repo.warnings[doc.ID]
	require.Len(t, warnings, 1)
	assert.Equal(t, documents.WarnOverBilled, warnings[0].Code)
}

func TestConfirmLinkageVariationOrder(t *testing.T) {
	f := newFixture(t)
	projectID := uuid.New()
	supplier := uuid.New()
	po := f.seedPO(projectID, supplier, "PO-100", 10000)
	po.BilledAmount = 2500

	doc := f.seedDocument(projectID, documents.TypeVariationOrder, &supplier, 2000)

	require.NoError(t, f.service.ConfirmLinkage(context.Background(), doc.ID, po.ID, "u-1"))

	// the original row is untouched
	original := f.repo.pos[po.ID]
	assert.Equal(t, "PO-100", original.Number)
	assert.InDelta(t, 10000.0, original.Terms.TotalAmount, 0.001)

	revisedID := f.repo.docLinks[doc.ID]
	revised := f.repo.pos[revisedID]
	require.NotNil(t, revised)
	assert.Equal(t, "PO-100-R1", revised.Number)
	assert.Equal(t, 1, revised.Revision)
	require.NotNil(t, revised.PredecessorID)
	assert.Equal(t, po.ID, *revised.PredecessorID)
	assert.InDelta(t, 12000.0, revised.Terms.TotalAmount, 0.001)
	assert.InDelta(t, 2500.0, revised.BilledAmount, 0.001)

	assert.Equal(t, documents.StatusLinked, f.repo.docs[doc.ID].Status)
	assert.Contains(t, f.repo.links[revisedID], doc.ID)
}

func TestConfirmLinkageSupersededPO(t *testing.T) {
	f := newFixture(t)
	projectID := uuid.New()
	supplier := uuid.New()
	po := f.seedPO(projectID, supplier, "PO-100", 10000)

	vo := f.seedDocument(projectID, documents.TypeVariationOrder, &supplier, 2000)
	require.NoError(t, f.service.ConfirmLinkage(context.Background(), vo.ID, po.ID, "u-1"))

	invoice := f.seedDocument(projectID, documents.TypeSupplierInvoice, &supplier, 1000)
	err := f.service.ConfirmLinkage(context.Background(), invoice.ID, po.ID, "u-1")
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestConfirmLinkageCrossProject(t *testing.T) {
	f := newFixture(t)
	supplier := uuid.New()
	po := f.seedPO(uuid.New(), supplier, "PO-100", 10000)
	doc := f.seedDocument(uuid.New(), documents.TypeSupplierInvoice, &supplier, 1000)

	err := f.service.ConfirmLinkage(context.Background(), doc.ID, po.ID, "u-1")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConfirmLinkageWrongStatus(t *testing.T) {
	f := newFixture(t)
	projectID := uuid.New()
	supplier := uuid.New()
	po := f.seedPO(projectID, supplier, "PO-100", 10000)
	doc := f.seedDocument(projectID, documents.TypeSupplierInvoice, &supplier, 1000)
	doc.Status = documents.StatusUploaded

	err := f.service.ConfirmLinkage(context.Background(), doc.ID, po.ID, "u-1")
	require.ErrorIs(t, err, shared.ErrConflict)
}
