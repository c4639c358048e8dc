package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"

	"github.com/DukeRupert/gatekeeper/internal/domain"
)

// ErrNoPlan is returned when asked to render a report without a plan.
var ErrNoPlan = errors.New("report: no action plan")

// =============================================================================
// PDF Generator
// =============================================================================

// PDFGenerator generates PDF action plans.
type PDFGenerator struct {
	// Page dimensions (A4 in mm)
	pageWidth  float64
	pageHeight float64
	margin     float64

	// Content area
	contentWidth float64
}

// NewPDFGenerator creates a new PDF generator with default settings.
func NewPDFGenerator() *PDFGenerator {
	margin := 15.0
	pageWidth := 210.0 // A4 width in mm
	return &PDFGenerator{
		pageWidth:    pageWidth,
		pageHeight:   297.0, // A4 height in mm
		margin:       margin,
		contentWidth: pageWidth - (2 * margin),
	}
}

// pdfDoc pairs the document with a translator from UTF-8 to the core
// fonts' cp1252 encoding.
type pdfDoc struct {
	*fpdf.Fpdf
	tr func(string) string
}

// Generate creates a PDF action plan and writes it to the provided writer.
func (g *PDFGenerator) Generate(ctx context.Context, data *ActionPlanReport, w io.Writer) (int64, error) {
	if data == nil || data.Plan == nil {
		return 0, ErrNoPlan
	}

	doc := fpdf.New("P", "mm", "A4", "")
	pdf := &pdfDoc{Fpdf: doc, tr: doc.UnicodeTranslatorFromDescriptor("")}

	pdf.SetTitle("Action Plan - "+data.Plan.Metadata.HomeName, true)
	pdf.SetCreator("Gatekeeper", true)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetFooterFunc(func() {
		g.addFooter(pdf, data)
	})

	g.addCoverPage(pdf, data)
	for _, p := range domain.Priorities {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		g.addPrioritySection(pdf, p, data.Plan.ItemsByPriority()[p])
	}
	g.addFindingsList(pdf, "Strengths", data.Plan.Strengths)
	g.addFindingsList(pdf, "Critical Issues", data.Plan.CriticalIssues)

	if err := pdf.Error(); err != nil {
		return 0, fmt.Errorf("pdf generation error: %w", err)
	}

	// Write to buffer to count bytes
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return 0, fmt.Errorf("pdf output error: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// =============================================================================
// Cover Page
// =============================================================================

func (g *PDFGenerator) addCoverPage(pdf *pdfDoc, data *ActionPlanReport) {
	plan := data.Plan
	pdf.AddPage()

	// Navy header bar
	r, gr, b := HexToRGB(BrandColors.Navy)
	pdf.SetFillColor(r, gr, b)
	pdf.Rect(0, 0, g.pageWidth, 55, "F")

	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 26)
	pdf.SetXY(g.margin, 18)
	pdf.Cell(0, 12, "Inspection Action Plan")

	pdf.SetFont("Helvetica", "", 13)
	pdf.SetXY(g.margin, 34)
	pdf.Cell(0, 8, pdf.tr(plan.Metadata.HomeName))

	r, gr, b = HexToRGB(BrandColors.TextDark)
	pdf.SetTextColor(r, gr, b)
	pdf.SetXY(g.margin, 70)

	g.addLabelValue(pdf, "Inspection date", plan.Metadata.InspectionDate)
	g.addLabelValue(pdf, "Overall grade", plan.Metadata.OverallGrade)
	g.addLabelValue(pdf, "Prepared for", data.RecipientName)
	g.addLabelValue(pdf, "Reference", data.AttemptID)

	// Summary table
	pdf.Ln(10)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 10)
	r, gr, b = HexToRGB(BrandColors.Background)
	pdf.SetFillColor(r, gr, b)
	pdf.CellFormat(80, 8, "Priority", "1", 0, "L", true, 0, "")
	pdf.CellFormat(40, 8, "Actions", "1", 1, "C", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	grouped := plan.ItemsByPriority()
	for _, p := range domain.Priorities {
		r, gr, b = HexToRGB(PriorityColor(p))
		pdf.SetFillColor(r, gr, b)
		pdf.CellFormat(5, 8, "", "1", 0, "C", true, 0, "")
		pdf.CellFormat(75, 8, PriorityLabel(p), "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 8, fmt.Sprintf("%d", len(grouped[p])), "1", 1, "C", false, 0, "")
	}

	pdf.SetFont("Helvetica", "B", 10)
	r, gr, b = HexToRGB(BrandColors.Background)
	pdf.SetFillColor(r, gr, b)
	pdf.CellFormat(80, 8, "Total", "1", 0, "L", true, 0, "")
	pdf.CellFormat(40, 8, fmt.Sprintf("%d", len(plan.ActionItems)), "1", 1, "C", true, 0, "")

	if n := plan.ReviewCount(); n > 0 {
		pdf.Ln(6)
		r, gr, b = HexToRGB(BrandColors.Accent)
		pdf.SetTextColor(r, gr, b)
		pdf.SetFont("Helvetica", "I", 10)
		pdf.MultiCell(g.contentWidth, 5,
			fmt.Sprintf("%d action(s) were extracted with low confidence and should be checked against the original report.", n),
			"", "L", false)
		r, gr, b = HexToRGB(BrandColors.TextDark)
		pdf.SetTextColor(r, gr, b)
	}
}

// =============================================================================
// Action Items
// =============================================================================

func (g *PDFGenerator) addPrioritySection(pdf *pdfDoc, p domain.Priority, items []domain.ActionItem) {
	if len(items) == 0 {
		return
	}

	pdf.AddPage()
	g.addSectionHeader(pdf, PriorityLabel(p)+" Actions")

	for i, item := range items {
		// Leave room for at least the task and category
		if pdf.GetY() > 230 {
			pdf.AddPage()
		}

		g.addActionItem(pdf, item, i+1)

		if i < len(items)-1 {
			pdf.Ln(6)
			r, gr, b := HexToRGB(BrandColors.Border)
			pdf.SetDrawColor(r, gr, b)
			pdf.Line(g.margin, pdf.GetY(), g.pageWidth-g.margin, pdf.GetY())
			pdf.Ln(6)
		}
	}
}

func (g *PDFGenerator) addActionItem(pdf *pdfDoc, item domain.ActionItem, number int) {
	r, gr, b := HexToRGB(PriorityColor(item.Priority))
	pdf.SetFillColor(r, gr, b)
	pdf.Rect(g.margin, pdf.GetY(), 3, 7, "F")

	pdf.SetX(g.margin + 6)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.MultiCell(g.contentWidth-6, 6, pdf.tr(fmt.Sprintf("%d. %s", number, item.Task)), "", "L", false)
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 9)
	r, gr, b = HexToRGB(BrandColors.TextMuted)
	pdf.SetTextColor(r, gr, b)
	pdf.Cell(0, 5, pdf.tr(fmt.Sprintf("%s  |  Confidence %s", item.Category, ConfidencePercent(item.Confidence))))
	pdf.Ln(6)

	if item.NeedsReview() {
		r, gr, b = HexToRGB(BrandColors.Accent)
		pdf.SetTextColor(r, gr, b)
		pdf.SetFont("Helvetica", "B", 9)
		pdf.Cell(0, 5, ReviewNote)
		pdf.Ln(6)
	}

	r, gr, b = HexToRGB(BrandColors.TextDark)
	pdf.SetTextColor(r, gr, b)

	if item.Quote != "" {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.Cell(0, 5, "From the report:")
		pdf.Ln(5)
		pdf.SetFont("Helvetica", "I", 9)
		pdf.MultiCell(g.contentWidth, 5, pdf.tr(item.Quote), "", "L", false)
		pdf.Ln(2)
	}

	if item.EvidenceNeeded != "" {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.Cell(0, 5, "Evidence needed:")
		pdf.Ln(5)
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(g.contentWidth, 5, pdf.tr(item.EvidenceNeeded), "", "L", false)
	}
}

func (g *PDFGenerator) addFindingsList(pdf *pdfDoc, title string, findings []string) {
	if len(findings) == 0 {
		return
	}

	if pdf.GetY() > 200 {
		pdf.AddPage()
	} else {
		pdf.Ln(12)
	}
	g.addSectionHeader(pdf, title)

	pdf.SetFont("Helvetica", "", 10)
	for _, f := range findings {
		pdf.SetX(g.margin)
		pdf.MultiCell(g.contentWidth, 6, pdf.tr("- "+f), "", "L", false)
		pdf.Ln(1)
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func (g *PDFGenerator) addSectionHeader(pdf *pdfDoc, title string) {
	r, gr, b := HexToRGB(BrandColors.Navy)
	pdf.SetDrawColor(r, gr, b)
	pdf.SetLineWidth(0.5)

	pdf.SetFont("Helvetica", "B", 16)
	pdf.SetTextColor(r, gr, b)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)

	pdf.Line(g.margin, pdf.GetY(), g.pageWidth-g.margin, pdf.GetY())
	pdf.SetLineWidth(0.2)
	pdf.Ln(8)

	r, gr, b = HexToRGB(BrandColors.TextDark)
	pdf.SetTextColor(r, gr, b)
}

func (g *PDFGenerator) addLabelValue(pdf *pdfDoc, label, value string) {
	if value == "" {
		return
	}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.Cell(40, 6, label+":")
	pdf.SetFont("Helvetica", "", 10)
	pdf.MultiCell(g.contentWidth-40, 6, pdf.tr(value), "", "L", false)
}

func (g *PDFGenerator) addFooter(pdf *pdfDoc, data *ActionPlanReport) {
	pdf.SetY(-15)

	r, gr, b := HexToRGB(BrandColors.Border)
	pdf.SetDrawColor(r, gr, b)
	pdf.Line(g.margin, pdf.GetY()-3, g.pageWidth-g.margin, pdf.GetY()-3)

	r, gr, b = HexToRGB(BrandColors.TextMuted)
	pdf.SetTextColor(r, gr, b)
	pdf.SetFont("Helvetica", "", 8)

	if !data.GeneratedAt.IsZero() {
		pdf.Cell(0, 10, "Generated: "+FormatDateTime(data.GeneratedAt))
	}

	pdf.SetX(-g.margin - 30)
	pdf.CellFormat(30, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "R", false, 0, "")
}

var _ Generator = (*PDFGenerator)(nil)
