package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/report"
)

//go:embed templates/*.html
var templateFS embed.FS

// priorityStyle pairs text and background colors for a priority badge.
var priorityStyle = map[domain.Priority][2]template.CSS{
	domain.PriorityImmediate: {"#991b1b", "#fee2e2"},
	domain.PriorityShortTerm: {"#92400e", "#fef3c7"},
	domain.PriorityOngoing:   {"#1e40af", "#dbeafe"},
}

type planView struct {
	Name           string
	AttemptID      string
	Metadata       domain.ReportMetadata
	Total          int
	Groups         []groupView
	Strengths      []string
	CriticalIssues []string
	GeneratedOn    string
}

type groupView struct {
	Label      string
	Color      template.CSS
	Background template.CSS
	Items      []itemView
}

type itemView struct {
	ID             string
	Task           string
	Quote          string
	Category       string
	EvidenceNeeded string
	Confidence     string
	NeedsReview    bool
}

// newPlanView numbers items AI1..AIn in priority order, matching the PDF.
func newPlanView(rcpt domain.Recipient, plan *domain.ActionPlan, now time.Time) planView {
	v := planView{
		Name:           rcpt.Name,
		AttemptID:      rcpt.AttemptID,
		Metadata:       plan.Metadata,
		Total:          len(plan.ActionItems),
		Strengths:      plan.Strengths,
		CriticalIssues: plan.CriticalIssues,
		GeneratedOn:    now.Format("2 January 2006"),
	}

	grouped := plan.ItemsByPriority()
	n := 0
	for _, p := range domain.Priorities {
		style := priorityStyle[p]
		g := groupView{Label: report.PriorityLabel(p), Color: style[0], Background: style[1]}
		for _, item := range grouped[p] {
			n++
			g.Items = append(g.Items, itemView{
				ID:             fmt.Sprintf("AI%d", n),
				Task:           item.Task,
				Quote:          item.Quote,
				Category:       item.Category,
				EvidenceNeeded: item.EvidenceNeeded,
				Confidence:     report.ConfidencePercent(item.Confidence),
				NeedsReview:    item.NeedsReview(),
			})
		}
		v.Groups = append(v.Groups, g)
	}
	return v
}

func parseTemplates() (*template.Template, error) {
	return template.New("email").ParseFS(templateFS, "templates/*.html")
}

func renderHTML(tmpl *template.Template, v planView) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "action_plan.html", v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderText(v planView) string {
	var b strings.Builder

	b.WriteString("OFSTED ACTION PLAN REPORT\n\n")
	if v.Name != "" {
		fmt.Fprintf(&b, "Prepared for: %s\n", v.Name)
	}
	b.WriteString("REPORT DETAILS\n")
	fmt.Fprintf(&b, "Children's Home: %s\n", v.Metadata.HomeName)
	fmt.Fprintf(&b, "Inspection Date: %s\n", v.Metadata.InspectionDate)
	fmt.Fprintf(&b, "Overall Grade: %s\n", v.Metadata.OverallGrade)
	fmt.Fprintf(&b, "Total Action Items: %d\n\n", v.Total)

	b.WriteString("SUMMARY\n")
	for _, g := range v.Groups {
		fmt.Fprintf(&b, "%s Actions: %d\n", g.Label, len(g.Items))
	}

	for _, g := range v.Groups {
		if len(g.Items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s ACTIONS\n", strings.ToUpper(g.Label))
		for _, item := range g.Items {
			fmt.Fprintf(&b, "\n%s\nTask: %s\nCategory: %s\n", item.ID, item.Task, item.Category)
			if item.Quote != "" {
				fmt.Fprintf(&b, "Quote: %q\n", item.Quote)
			}
			fmt.Fprintf(&b, "Evidence Needed: %s\n", item.EvidenceNeeded)
			if item.NeedsReview {
				fmt.Fprintf(&b, "! Confidence: %s - Verify manually\n", item.Confidence)
			}
		}
	}

	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s\n", title)
		for _, s := range items {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	writeList("STRENGTHS", v.Strengths)
	writeList("CRITICAL ISSUES", v.CriticalIssues)

	b.WriteString("\n---\n")
	b.WriteString("This is an AI-generated action plan. Always verify critical items manually.\n")
	fmt.Fprintf(&b, "Report generated on %s\n", v.GeneratedOn)
	if v.AttemptID != "" {
		fmt.Fprintf(&b, "Reference: %s\n", v.AttemptID)
	}
	return b.String()
}
