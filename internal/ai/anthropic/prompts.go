package anthropic

import (
	"fmt"
	"strings"

	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// Categories an action item may be filed under.
var categories = []string{
	"Safeguarding",
	"Health & Safety",
	"Education",
	"Behavior Support",
	"Leadership",
	"Premises",
	"Staffing",
}

// buildActionPlanPrompt creates the extraction prompt for an Ofsted
// children's home inspection report.
func buildActionPlanPrompt(reportText string) string {
	priorities := make([]string, len(domain.Priorities))
	for i, p := range domain.Priorities {
		priorities[i] = string(p)
	}

	return fmt.Sprintf(`You are analyzing an OFSTED children's home inspection report.
Extract ALL requirements, recommendations, and areas for improvement.

REPORT TEXT:
%s

For each action item, provide:
1. Exact quote from report
2. Specific actionable task (clear, measurable)
3. Priority level
4. Category
5. Evidence needed
6. Confidence score (0-1)

Return ONLY valid JSON in this format:
{
  "report_metadata": {
    "home_name": "string or Unknown",
    "inspection_date": "string or Unknown",
    "overall_grade": "Outstanding|Good|Requires Improvement|Inadequate|Unknown"
  },
  "action_items": [
    {
      "quote": "exact text from report",
      "task": "specific measurable task",
      "priority": "%s",
      "category": "%s",
      "evidence_needed": "what documentation proves completion",
      "confidence": 0.95
    }
  ],
  "strengths": ["list of positive findings"],
  "critical_issues": ["list of urgent concerns"]
}

RULES:
- Only extract what's explicitly in the report
- Be specific in tasks (not generic)
- Flag items with confidence < %.2f
- Do not hallucinate`,
		reportText,
		strings.Join(priorities, "|"),
		strings.Join(categories, "|"),
		domain.ReviewThreshold,
	)
}
