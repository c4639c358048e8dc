package domain

import "strings"

// =============================================================================
// Action Priority
// =============================================================================

// Priority orders action items by urgency.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityShortTerm Priority = "short-term"
	PriorityOngoing   Priority = "ongoing"
)

// Priorities lists every priority in display order.
var Priorities = []Priority{PriorityImmediate, PriorityShortTerm, PriorityOngoing}

// IsValid returns true if the priority is a recognized value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityImmediate, PriorityShortTerm, PriorityOngoing:
		return true
	}
	return false
}

// ParsePriority normalizes model output, defaulting unknown values to ongoing.
func ParsePriority(s string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "short term", "shortterm":
		return PriorityShortTerm
	}
	if !p.IsValid() {
		return PriorityOngoing
	}
	return p
}

// ReviewThreshold is the confidence below which an action item is flagged for
// manual verification against the source report.
const ReviewThreshold = 0.85

// =============================================================================
// Action Plan
// =============================================================================

// ReportMetadata describes the inspection report an action plan was built from.
type ReportMetadata struct {
	HomeName       string `json:"home_name"`
	InspectionDate string `json:"inspection_date"`
	OverallGrade   string `json:"overall_grade"`
}

// ActionItem is one task extracted from the report.
type ActionItem struct {
	Quote          string   `json:"quote"`
	Task           string   `json:"task"`
	Priority       Priority `json:"priority"`
	Category       string   `json:"category"`
	EvidenceNeeded string   `json:"evidence_needed"`
	Confidence     float64  `json:"confidence"` // 0-1
}

// NeedsReview reports whether the item should be verified manually.
func (i ActionItem) NeedsReview() bool {
	return i.Confidence < ReviewThreshold
}

// ActionPlan is the structured result of analysing one report.
type ActionPlan struct {
	Metadata       ReportMetadata `json:"report_metadata"`
	ActionItems    []ActionItem   `json:"action_items"`
	Strengths      []string       `json:"strengths"`
	CriticalIssues []string       `json:"critical_issues"`
}

// ItemsByPriority groups action items by priority, preserving order within
// each group.
func (p *ActionPlan) ItemsByPriority() map[Priority][]ActionItem {
	grouped := make(map[Priority][]ActionItem, len(Priorities))
	for _, item := range p.ActionItems {
		grouped[item.Priority] = append(grouped[item.Priority], item)
	}
	return grouped
}

// ReviewCount returns the number of items flagged for manual verification.
func (p *ActionPlan) ReviewCount() int {
	n := 0
	for _, item := range p.ActionItems {
		if item.NeedsReview() {
			n++
		}
	}
	return n
}

// =============================================================================
// Delivery
// =============================================================================

// Recipient identifies who receives a delivered action plan.
type Recipient struct {
	Email     string
	Name      string
	AttemptID string
	SessionID string // Paid session; empty for free attempts
}

// Receipt is returned by a delivery channel after a successful send.
type Receipt struct {
	MessageID string
	Channel   string
}
