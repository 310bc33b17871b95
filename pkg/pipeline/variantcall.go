package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/seqtrace/bioengine/pkg/annotate"
	"github.com/seqtrace/bioengine/pkg/registry"
	"github.com/seqtrace/bioengine/pkg/scheduler"
)

// VariantCallResult is the payload of a completed variant-call job:
// the alignment outcome plus the reconciled annotation of every called
// variant.
type VariantCallResult struct {
	Alignment  AlignmentResult  `json:"alignment"`
	Called     []string         `json:"called_variants"`
	Annotation *annotate.Result `json:"annotation,omitempty"`
}

// VariantCall aligns reads, extracts the called variants from the
// decomposition, and feeds them through the annotation reconciler.
type VariantCall struct {
	alignment  *Alignment
	reconciler *annotate.Reconciler
	logger     *zap.Logger
}

// NewVariantCall creates the variant-call pipeline. reconciler may be nil,
// in which case called variants are reported without annotation.
func NewVariantCall(alignment *Alignment, reconciler *annotate.Reconciler, logger *zap.Logger) *VariantCall {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VariantCall{alignment: alignment, reconciler: reconciler, logger: logger}
}

func (p *VariantCall) Kind() registry.JobKind {
	return registry.KindVariantCall
}

func (p *VariantCall) Run(ctx context.Context, job *registry.Job, progress scheduler.ProgressFunc) (json.RawMessage, error) {
	alignProgress := func(percent int, message string) {
		progress(percent*60/100, message)
	}
	aligned, err := p.alignment.align(ctx, job, alignProgress)
	if err != nil {
		return nil, err
	}

	result := &VariantCallResult{
		Alignment: *aligned,
		Called:    calledDescriptors(job.Input.Reference, aligned),
	}

	if p.reconciler != nil && len(result.Called) > 0 {
		progress(60, fmt.Sprintf("annotating %d called variants", len(result.Called)))
		ann, err := p.reconciler.Reconcile(ctx, result.Called, func(done, total int) {
			if total > 0 {
				progress(60+35*done/total, fmt.Sprintf("annotated %d/%d variants", done, total))
			}
		})
		if err != nil {
			return nil, err
		}
		result.Annotation = ann
	}

	p.logger.Info("variant calling finished",
		zap.String("job_id", job.ID),
		zap.Int("called", len(result.Called)))
	return json.Marshal(result)
}

// calledDescriptors collects one descriptor per distinct called variant,
// preferring the aligner's own HGVS column and falling back to a genomic
// descriptor built from the reference accession.
func calledDescriptors(reference string, aligned *AlignmentResult) []string {
	accession := referenceAccession(reference)
	seen := make(map[string]struct{})
	var out []string
	for _, ra := range aligned.Reads {
		for _, v := range ra.Variants {
			d := v.HGVS
			if d == "" {
				d = genomicDescriptor(accession, v)
			}
			if d == "" {
				continue
			}
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// referenceAccession strips path and FASTA extensions from a reference
// input, leaving the bare accession.
func referenceAccession(reference string) string {
	base := filepath.Base(reference)
	for _, ext := range []string{".gz", ".fasta", ".fa", ".fna"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// genomicDescriptor builds an HGVS genomic descriptor for a simple variant.
// Rows the aligner could not express (complex events without an HGVS entry)
// yield an empty string and are skipped.
func genomicDescriptor(accession string, v Variant) string {
	if accession == "" || v.Position <= 0 {
		return ""
	}
	switch {
	case len(v.Ref) == 1 && len(v.Alt) == 1 && v.Ref != "-" && v.Alt != "-":
		return fmt.Sprintf("%s:g.%d%s>%s", accession, v.Position, v.Ref, v.Alt)
	case v.Alt == "-" && v.Ref != "" && v.Ref != "-":
		if len(v.Ref) == 1 {
			return fmt.Sprintf("%s:g.%ddel", accession, v.Position)
		}
		return fmt.Sprintf("%s:g.%d_%ddel", accession, v.Position, v.Position+len(v.Ref)-1)
	case v.Ref == "-" && v.Alt != "" && v.Alt != "-":
		return fmt.Sprintf("%s:g.%d_%dins%s", accession, v.Position, v.Position+1, v.Alt)
	}
	return ""
}
