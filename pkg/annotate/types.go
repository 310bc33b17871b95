package annotate

import "time"

// SourceName identifies which annotation provider produced a result.
type SourceName string

const (
	SourcePrimary  SourceName = "primary"
	SourceFallback SourceName = "fallback"
)

// VariantState is the per-variant reconciliation state.
type VariantState string

const (
	VariantPending          VariantState = "pending"
	VariantAwaitingPrimary  VariantState = "awaiting_primary"
	VariantAwaitingFallback VariantState = "awaiting_fallback"
	VariantAnnotated        VariantState = "annotated"
	VariantUnannotated      VariantState = "unannotated"
)

// Terminal reports whether the state is final for a variant.
func (s VariantState) Terminal() bool {
	return s == VariantAnnotated || s == VariantUnannotated
}

// Consequence is the distilled most-severe consequence for one variant.
type Consequence struct {
	GeneSymbol string   `json:"gene_symbol,omitempty"`
	Terms      string   `json:"consequence,omitempty"`
	Impact     string   `json:"impact,omitempty"`
	HGVSc      string   `json:"hgvs_c,omitempty"`
	HGVSp      string   `json:"hgvs_p,omitempty"`
	SIFT       string   `json:"sift,omitempty"`
	PolyPhen   string   `json:"polyphen,omitempty"`
	ClinSig    []string `json:"clin_sig,omitempty"`
	MANESelect bool     `json:"mane_select,omitempty"`
}

// Annotation is a successful per-variant outcome.
type Annotation struct {
	Variant     string      `json:"variant"`
	Source      SourceName  `json:"source"`
	Consequence Consequence `json:"annotation"`
	RetrievedAt time.Time   `json:"retrieved_at"`
}

// Unannotated is a terminal per-variant failure outcome. It carries the error
// detail from every source consulted so the caller can diagnose why the
// variant ended without an annotation.
type Unannotated struct {
	Variant       string `json:"variant"`
	PrimaryError  string `json:"primary_error,omitempty"`
	FallbackError string `json:"fallback_error,omitempty"`
}

// Result aggregates a reconciled batch. Annotated and Unannotated partition
// the submitted variant set: every submitted variant appears exactly once
// across the two.
type Result struct {
	Annotated   []Annotation  `json:"annotated"`
	Unannotated []Unannotated `json:"unannotated"`
}

// SourceResult is the outcome of one source call across a set of variants.
// A variant absent from both maps was omitted by the source.
type SourceResult struct {
	// Annotations holds per-variant successes keyed by input descriptor.
	Annotations map[string]*Annotation

	// Errors holds per-variant source-specific failures keyed by input
	// descriptor.
	Errors map[string]error
}

// Mapping is the result of a nomenclature lookup: the genomic-coordinate
// equivalents of the input descriptor.
type Mapping struct {
	Input    string   `json:"input"`
	Genomic  []string `json:"hgvsg,omitempty"`
	Variants []string `json:"equivalents,omitempty"`
}
