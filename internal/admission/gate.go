// Package admission is the cheap content check that runs before any costly
// analysis. It is a keyword and length heuristic, so it will reject some
// genuine reports; thresholds are configurable for tuning.
package admission

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/DukeRupert/gatekeeper/internal/metrics"
)

// Reason codes for rejected content.
const (
	ReasonTextTooShort        = "TEXT_TOO_SHORT"
	ReasonNotInspectionReport = "NOT_INSPECTION_REPORT"
	ReasonReportTooShort      = "REPORT_TOO_SHORT"
	ReasonReportTooLarge      = "REPORT_TOO_LARGE"
)

// DefaultKeywords identify an Ofsted children's home inspection report.
var DefaultKeywords = []string{
	"ofsted",
	"inspection",
	"children's home",
	"quality standard",
	"judgement",
	"overall effectiveness",
}

// Config holds the gate thresholds. Zero values take the defaults.
type Config struct {
	Keywords     []string
	MinLength    int // absolute minimum characters of text
	MinKeywords  int
	PlausibleMin int
	PlausibleMax int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Keywords:     DefaultKeywords,
		MinLength:    500,
		MinKeywords:  2,
		PlausibleMin: 5000,
		PlausibleMax: 500000,
	}
}

// Decision is the gate's verdict.
type Decision struct {
	Admitted   bool
	Confidence *int // nil when the text was rejected before keywords were counted
	Reason     string
	Message    string
	Matched    []string
	Length     int
}

// Gate checks extracted text for admissibility.
type Gate struct {
	cfg      Config
	keywords []string // lower-cased
}

// NewGate creates a Gate, filling unset thresholds from DefaultConfig.
func NewGate(cfg Config) *Gate {
	def := DefaultConfig()
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = def.Keywords
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.MinKeywords <= 0 {
		cfg.MinKeywords = def.MinKeywords
	}
	if cfg.PlausibleMin <= 0 {
		cfg.PlausibleMin = def.PlausibleMin
	}
	if cfg.PlausibleMax <= 0 {
		cfg.PlausibleMax = def.PlausibleMax
	}

	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Gate{cfg: cfg, keywords: keywords}
}

// Admit evaluates text. The checks run in a fixed order: absolute length,
// keyword count, then plausible length bounds.
func (g *Gate) Admit(text string) Decision {
	d := g.admit(text)
	label := "admitted"
	if !d.Admitted {
		label = d.Reason
	}
	metrics.AdmissionDecisions.WithLabelValues(label).Inc()
	return d
}

func (g *Gate) admit(text string) Decision {
	length := utf8.RuneCountInString(text)

	if length < g.cfg.MinLength {
		return Decision{
			Reason:  ReasonTextTooShort,
			Message: "The document does not contain enough text.",
			Length:  length,
		}
	}

	lower := strings.ToLower(text)
	var matched []string
	for _, k := range g.keywords {
		if strings.Contains(lower, k) {
			matched = append(matched, k)
		}
	}
	confidence := int(math.Round(float64(len(matched)) / float64(len(g.keywords)) * 100))

	d := Decision{
		Confidence: &confidence,
		Matched:    matched,
		Length:     length,
	}

	switch {
	case len(matched) < g.cfg.MinKeywords:
		d.Reason = ReasonNotInspectionReport
		d.Message = "The document does not appear to be an Ofsted inspection report. Please check you've uploaded the correct document."
	case length < g.cfg.PlausibleMin:
		d.Reason = ReasonReportTooShort
		d.Message = fmt.Sprintf("The document is too short to be a complete inspection report (%d characters).", length)
	case length > g.cfg.PlausibleMax:
		d.Reason = ReasonReportTooLarge
		d.Message = "The document is too large to be an inspection report. It may be corrupted or the wrong file."
	default:
		d.Admitted = true
	}
	return d
}
