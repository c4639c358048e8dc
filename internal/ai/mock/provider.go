package mock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/ai"
	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// Provider is a mock AI provider for testing and development
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	AnalyzeResponse *ai.AnalysisResult
	AnalyzeError    error
	Delay           time.Duration

	// Call tracking for testing
	analyzeCalls int
	lastParams   ai.AnalyzeParams
}

// New creates a new mock AI provider
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		logger: logger,
	}
}

// Analyze returns a canned action plan
func (p *Provider) Analyze(ctx context.Context, params ai.AnalyzeParams) (*ai.AnalysisResult, error) {
	p.mu.Lock()
	p.analyzeCalls++
	p.lastParams = params
	delay, resp, err := p.Delay, p.AnalyzeResponse, p.AnalyzeError
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// If a custom response or error is set, use it
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}

	p.logger.Debug("mock analysis", "attempt_id", params.AttemptID, "chars", len(params.Text))
	return &ai.AnalysisResult{Plan: SamplePlan(), Usage: ai.UsageInfo{
		Model:        "mock-ai-v1",
		InputTokens:  1250,
		OutputTokens: 850,
		CostCents:    1,
		Duration:     250 * time.Millisecond,
	}}, nil
}

// AnalyzeCalls returns the number of Analyze invocations.
func (p *Provider) AnalyzeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.analyzeCalls
}

// LastParams returns the parameters of the most recent call.
func (p *Provider) LastParams() ai.AnalyzeParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastParams
}

// SamplePlan returns the canned action plan served by the mock.
func SamplePlan() *domain.ActionPlan {
	return &domain.ActionPlan{
		Metadata: domain.ReportMetadata{
			HomeName:       "Oakfield House",
			InspectionDate: "12 March 2024",
			OverallGrade:   "Requires Improvement",
		},
		ActionItems: []domain.ActionItem{
			{
				Quote:          "The registered person must ensure that all staff complete safeguarding refresher training.",
				Task:           "Schedule safeguarding refresher training for all staff and record completion dates",
				Priority:       domain.PriorityImmediate,
				Category:       "Safeguarding",
				EvidenceNeeded: "Training matrix with completion dates for every staff member",
				Confidence:     0.95,
			},
			{
				Quote:          "Risk assessments are not consistently reviewed after incidents.",
				Task:           "Review each child's risk assessment within 72 hours of any incident",
				Priority:       domain.PriorityShortTerm,
				Category:       "Health & Safety",
				EvidenceNeeded: "Dated risk assessment reviews linked to incident logs",
				Confidence:     0.9,
			},
			{
				Quote:          "Some records of physical intervention lacked detail.",
				Task:           "Audit physical intervention records monthly for completeness",
				Priority:       domain.PriorityOngoing,
				Category:       "Behavior Support",
				EvidenceNeeded: "Monthly audit reports signed by the registered manager",
				Confidence:     0.72,
			},
		},
		Strengths:      []string{"Children report feeling safe and listened to"},
		CriticalIssues: []string{"Safeguarding training is out of date"},
	}
}

var _ ai.Analyzer = (*Provider)(nil)
