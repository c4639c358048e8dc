package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/gatekeeper/internal/domain"
)

func samplePlan() *domain.ActionPlan {
	return &domain.ActionPlan{
		Metadata: domain.ReportMetadata{HomeName: "Oakfield House", InspectionDate: "12 March 2024", OverallGrade: "Good"},
		ActionItems: []domain.ActionItem{
			{Quote: "Staff training lapsed.", Task: "Renew safeguarding training", Priority: domain.PriorityImmediate, Category: "Safeguarding", EvidenceNeeded: "Certificates", Confidence: 0.95},
			{Quote: "Records incomplete.", Task: "Audit daily logs – weekly", Priority: domain.PriorityOngoing, Category: "Leadership", EvidenceNeeded: "Audit sheet", Confidence: 0.6},
		},
		Strengths:      []string{"Children feel safe"},
		CriticalIssues: []string{"Training out of date"},
	}
}

func TestPriorityLabel(t *testing.T) {
	assert.Equal(t, "Immediate", PriorityLabel(domain.PriorityImmediate))
	assert.Equal(t, "Short Term", PriorityLabel(domain.PriorityShortTerm))
	assert.Equal(t, "Ongoing", PriorityLabel(domain.PriorityOngoing))
}

func TestHexToRGB(t *testing.T) {
	r, g, b := HexToRGB("#1E3A5F")
	assert.Equal(t, []int{30, 58, 95}, []int{r, g, b})

	r, g, b = HexToRGB("bad")
	assert.Equal(t, []int{0, 0, 0}, []int{r, g, b})
}

func TestConfidencePercent(t *testing.T) {
	assert.Equal(t, "85%", ConfidencePercent(0.85))
	assert.Equal(t, "100%", ConfidencePercent(1))
}

func TestFilename(t *testing.T) {
	r := &ActionPlanReport{Plan: samplePlan()}
	assert.Equal(t, "action-plan-oakfield-house.pdf", r.Filename())

	r.Plan.Metadata.HomeName = "Unknown"
	assert.Equal(t, "action-plan.pdf", r.Filename())
}

func TestPDFGenerator_Generate(t *testing.T) {
	g := NewPDFGenerator()
	var buf bytes.Buffer

	n, err := g.Generate(context.Background(), &ActionPlanReport{
		Plan:          samplePlan(),
		RecipientName: "Jane Manager",
		AttemptID:     "attempt-1",
		GeneratedAt:   time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC),
	}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestPDFGenerator_EmptyPlan(t *testing.T) {
	g := NewPDFGenerator()
	var buf bytes.Buffer

	_, err := g.Generate(context.Background(), &ActionPlanReport{Plan: &domain.ActionPlan{}}, &buf)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestPDFGenerator_NoPlan(t *testing.T) {
	_, err := NewPDFGenerator().Generate(context.Background(), &ActionPlanReport{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNoPlan)
}
