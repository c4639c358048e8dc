// Package ai defines the analysis engine that turns inspection report text
// into an action plan.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// MaxInputChars caps the report text sent to a model.
const MaxInputChars = 50000

// Analyzer produces an action plan from report text.
type Analyzer interface {
	Analyze(ctx context.Context, params AnalyzeParams) (*AnalysisResult, error)
}

// AnalyzeParams contains parameters for report analysis
type AnalyzeParams struct {
	Text      string // Extracted report text
	AttemptID string // Upload attempt for tracking
}

// AnalysisResult contains the action plan and what it cost to produce
type AnalysisResult struct {
	Plan  *domain.ActionPlan
	Usage UsageInfo
}

// UsageInfo tracks API usage for billing and monitoring
type UsageInfo struct {
	Model        string        // AI model used
	InputTokens  int           // Tokens in the request
	OutputTokens int           // Tokens in the response
	CostCents    int           // Estimated cost in cents
	Duration     time.Duration // Request duration
}

// ProviderConfig contains common configuration for AI providers
type ProviderConfig struct {
	MaxRetries     int           // Maximum retry attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
}

// Error codes for AI provider operations
var (
	// EAIRateLimit indicates the API rate limit has been exceeded
	EAIRateLimit = errors.New("ai provider rate limit exceeded")

	// EAIInvalidInput indicates the provider refused the request body
	EAIInvalidInput = errors.New("invalid analysis input")

	// EAIContentPolicy indicates the text violates content policy
	EAIContentPolicy = errors.New("input violates content policy")

	// EAITimeout indicates the request timed out
	EAITimeout = errors.New("ai request timed out")

	// EAIUnavailable indicates the AI service is temporarily unavailable
	EAIUnavailable = errors.New("ai service temporarily unavailable")

	// EAIUnauthorized indicates invalid API credentials
	EAIUnauthorized = errors.New("ai provider authentication failed")

	// EAIMalformedOutput indicates the model did not return the expected JSON
	EAIMalformedOutput = errors.New("ai output could not be parsed")
)

// IsRetryable returns true if the error is a transient error that can be retried
func IsRetryable(err error) bool {
	return errors.Is(err, EAIRateLimit) ||
		errors.Is(err, EAITimeout) ||
		errors.Is(err, EAIUnavailable)
}

// WrapError wraps an error with context about the AI operation
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}

// TruncateText shortens text to at most MaxInputChars characters without
// splitting a multi-byte character.
func TruncateText(text string) string {
	if utf8.RuneCountInString(text) <= MaxInputChars {
		return text
	}
	n := 0
	for i := range text {
		if n == MaxInputChars {
			return text[:i]
		}
		n++
	}
	return text
}

// NormalizePlan cleans model output: unknown priorities become ongoing,
// confidence is clamped to [0,1], and empty metadata reads "Unknown".
func NormalizePlan(plan *domain.ActionPlan) {
	if plan.Metadata.HomeName == "" {
		plan.Metadata.HomeName = "Unknown"
	}
	if plan.Metadata.InspectionDate == "" {
		plan.Metadata.InspectionDate = "Unknown"
	}
	if plan.Metadata.OverallGrade == "" {
		plan.Metadata.OverallGrade = "Unknown"
	}
	if plan.ActionItems == nil {
		plan.ActionItems = []domain.ActionItem{}
	}
	if plan.Strengths == nil {
		plan.Strengths = []string{}
	}
	if plan.CriticalIssues == nil {
		plan.CriticalIssues = []string{}
	}

	for i := range plan.ActionItems {
		item := &plan.ActionItems[i]
		item.Priority = domain.ParsePriority(string(item.Priority))
		switch {
		case item.Confidence < 0:
			item.Confidence = 0
		case item.Confidence > 1:
			item.Confidence = 1
		}
	}
}
