package approvals

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestFormatNumber(t *testing.T) {
	projectID := uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000000")

	assert.Equal(t, "PO-00042", FormatNumber(ScopeCompany, projectID, 42))
	assert.Equal(t, "PO-A1B2C3-00042", FormatNumber(ScopeProject, projectID, 42))
	assert.Equal(t, "PO-00001", FormatNumber(ScopeCompany, projectID, 1))
}

func TestRevisionNumber(t *testing.T) {
	assert.Equal(t, "PO-100-R1", RevisionNumber("PO-100", 1))
	assert.Equal(t, "PO-100-R2", RevisionNumber("PO-100-R1", 2))
	assert.Equal(t, "PO-A1B2C3-00042-R1", RevisionNumber("PO-A1B2C3-00042", 1))
}
