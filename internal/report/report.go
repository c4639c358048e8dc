// Package report renders action plans as PDF documents.
//
// The PDF is attached to the delivery email so a home manager can print the
// plan and tick items off as evidence is gathered.
package report

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// =============================================================================
// Generator Interface
// =============================================================================

// Generator defines the interface for report generators.
type Generator interface {
	// Generate renders the report and writes it to the provided writer.
	// Returns the number of bytes written and any error.
	Generate(ctx context.Context, data *ActionPlanReport, w io.Writer) (int64, error)
}

// ActionPlanReport is everything needed to render one plan.
type ActionPlanReport struct {
	Plan          *domain.ActionPlan
	RecipientName string
	Email         string
	AttemptID     string
	GeneratedAt   time.Time
}

// Filename returns a download name for the rendered plan.
func (r *ActionPlanReport) Filename() string {
	name := "action-plan"
	if r.Plan != nil && r.Plan.Metadata.HomeName != "" && r.Plan.Metadata.HomeName != "Unknown" {
		if slug := slugify(r.Plan.Metadata.HomeName); slug != "" {
			name += "-" + slug
		}
	}
	return name + ".pdf"
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// =============================================================================
// Brand Colors
// =============================================================================

// BrandColors defines the color palette for reports.
var BrandColors = struct {
	Navy       string // Primary brand color
	Accent     string // Review flags
	TextDark   string // Primary text
	TextMuted  string // Secondary text
	Border     string // Borders and dividers
	Background string // Light background
}{
	Navy:       "#1E3A5F",
	Accent:     "#FF6B35",
	TextDark:   "#1F2937",
	TextMuted:  "#6B7280",
	Border:     "#E5E7EB",
	Background: "#F9FAFB",
}

// =============================================================================
// Priority Colors
// =============================================================================

// PriorityColors maps priorities to display colors.
var PriorityColors = map[domain.Priority]string{
	domain.PriorityImmediate: "#DC2626", // Red-600
	domain.PriorityShortTerm: "#F59E0B", // Amber-500
	domain.PriorityOngoing:   "#3B82F6", // Blue-500
}

// PriorityColor returns the color for a priority.
func PriorityColor(p domain.Priority) string {
	if color, ok := PriorityColors[p]; ok {
		return color
	}
	return BrandColors.TextMuted
}

// PriorityLabel returns a human-readable label for a priority.
func PriorityLabel(p domain.Priority) string {
	// Casers are stateful; one per call.
	return cases.Title(language.English).String(strings.ReplaceAll(string(p), "-", " "))
}

// ReviewNote is shown beside items whose confidence is below
// domain.ReviewThreshold.
const ReviewNote = "Verify manually against the report"

// ConfidencePercent formats a 0-1 confidence as a whole percentage.
func ConfidencePercent(c float64) string {
	return fmt.Sprintf("%.0f%%", c*100)
}

// =============================================================================
// Color Conversion Helpers
// =============================================================================

// HexToRGB converts a hex color string to RGB values.
// Input format: "#RRGGBB" or "RRGGBB"
func HexToRGB(hex string) (r, g, b int) {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return 0, 0, 0
	}

	r = hexToDec(hex[0:2])
	g = hexToDec(hex[2:4])
	b = hexToDec(hex[4:6])
	return
}

// hexToDec converts a 2-character hex string to decimal.
func hexToDec(hex string) int {
	val := 0
	for _, c := range hex {
		val *= 16
		switch {
		case c >= '0' && c <= '9':
			val += int(c - '0')
		case c >= 'a' && c <= 'f':
			val += int(c - 'a' + 10)
		case c >= 'A' && c <= 'F':
			val += int(c - 'A' + 10)
		}
	}
	return val
}

// FormatDateTime formats a datetime for display in reports.
func FormatDateTime(t time.Time) string {
	return t.Format("2 January 2006 at 15:04")
}
