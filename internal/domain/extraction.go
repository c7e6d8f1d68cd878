package domain

import "github.com/shopspring/decimal"

// SourceKind identifies where an extraction result came from.
type SourceKind string

const (
	SourceNativePDF  SourceKind = "native_pdf"
	SourceScannedPDF SourceKind = "scanned_pdf"
	SourceDOCX       SourceKind = "docx"
	SourceXLSX       SourceKind = "xlsx"
	SourceEmailBody  SourceKind = "email_body"
	SourceImage      SourceKind = "image"
	SourceUnknown    SourceKind = "unknown"
)

// Priority orders sources for consolidation; lower is stronger.
func (k SourceKind) Priority() int {
	switch k {
	case SourceNativePDF:
		return 0
	case SourceDOCX:
		return 1
	case SourceXLSX:
		return 2
	case SourceScannedPDF:
		return 3
	case SourceEmailBody:
		return 4
	case SourceImage:
		return 5
	default:
		return 6
	}
}

// Baseline is the per-source confidence baseline used for the weakest-link
// aggregate.
func (k SourceKind) Baseline() float64 {
	switch k {
	case SourceNativePDF:
		return 0.95
	case SourceDOCX:
		return 0.90
	case SourceXLSX:
		return 0.85
	case SourceEmailBody:
		return 0.80
	case SourceScannedPDF:
		return 0.75
	case SourceImage:
		return 0.70
	default:
		return 0.60
	}
}

// Confidence is a coarse per-field confidence level.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// rank for tie-breaking; higher wins.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// StrongerThan reports whether c outranks o.
func (c Confidence) StrongerThan(o Confidence) bool { return c.rank() > o.rank() }

// ExtractionMethod records how a source's fields were obtained.
type ExtractionMethod string

const (
	MethodNativeText ExtractionMethod = "native_text"
	MethodVision     ExtractionMethod = "vision"
	MethodRegex      ExtractionMethod = "regex"
	MethodTableScan  ExtractionMethod = "table_scan"
	MethodSkipped    ExtractionMethod = "skipped"
)

// SourceResult is the uniform per-source extraction shape.
type SourceResult struct {
	Source       SourceKind       `json:"source"`
	Filename     string           `json:"filename,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	AmountLabeled bool            `json:"amount_labeled,omitempty"`
	ClientName   string           `json:"client_name,omitempty"`
	CreditorName string           `json:"creditor_name,omitempty"`
	Confidence   Confidence       `json:"confidence"`
	Method       ExtractionMethod `json:"method"`
	TokensUsed   int              `json:"tokens_used"`
	Error        string           `json:"error,omitempty"`
}

// Skipped reports whether the source contributed nothing.
func (r SourceResult) Skipped() bool { return r.Method == MethodSkipped }

// ConsolidatedResult is the authoritative fused record for one job.
type ConsolidatedResult struct {
	FinalAmount        decimal.Decimal `json:"final_amount"`
	AmountConfidence   Confidence      `json:"amount_confidence"`
	AmountFallback     bool            `json:"amount_fallback,omitempty"`
	ClientName         string          `json:"client_name,omitempty"`
	CreditorName       string          `json:"creditor_name,omitempty"`
	ClientConfidence   Confidence      `json:"client_confidence,omitempty"`
	CreditorConfidence Confidence      `json:"creditor_confidence,omitempty"`
	SourcesProcessed   []SourceKind    `json:"sources_processed"`
	SourcesWithAmount  int             `json:"sources_with_amount"`
	DisagreeingSources int             `json:"disagreeing_sources,omitempty"`
	ExtractionConfidence float64       `json:"extraction_confidence"`
	WeakestSource      SourceKind      `json:"weakest_source,omitempty"`
	TotalTokens        int             `json:"total_tokens"`
	Methods            map[SourceKind]ExtractionMethod `json:"methods,omitempty"`
}

// calibrationRank orders sources for document-type attribution. Distinct
// from the consolidation Priority: scanned material outranks native office
// formats here.
func (k SourceKind) calibrationRank() int {
	switch k {
	case SourceNativePDF:
		return 0
	case SourceScannedPDF:
		return 1
	case SourceDOCX:
		return 2
	case SourceXLSX:
		return 3
	case SourceImage:
		return 4
	case SourceEmailBody:
		return 5
	default:
		return 6
	}
}

// DocumentType derives the dominant document type for calibration.
func (c ConsolidatedResult) DocumentType() SourceKind {
	best := SourceUnknown
	for _, s := range c.SourcesProcessed {
		if s.calibrationRank() < best.calibrationRank() {
			best = s
		}
	}
	return best
}
