// Package pipeline implements the kind-specific analysis pipelines executed
// by the scheduler: alignment, variant calling, and annotation.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seqtrace/bioengine/pkg/toolrunner"
)

// Variant is one row of the aligner's decomposed variant table.
type Variant struct {
	Position int    `json:"pos"`
	Ref      string `json:"ref"`
	Alt      string `json:"alt"`
	Type     string `json:"type,omitempty"`
	Genotype string `json:"genotype,omitempty"`
	HGVS     string `json:"hgvs,omitempty"`
}

// ReadAlignment is the decomposition outcome for a single read.
type ReadAlignment struct {
	Read     string    `json:"read"`
	Forward  bool      `json:"forward"`
	Variants []Variant `json:"variants"`
}

// alignerOutput mirrors the aligner's JSON artifact: a column-indexed
// variant table plus orientation metadata. Unknown fields are ignored, the
// artifact carries far more (traces, peaks, chart config) than the
// pipelines need.
type alignerOutput struct {
	Ref1Forward *int `json:"ref1forward"`
	Variants    struct {
		Columns []string          `json:"columns"`
		Rows    []json.RawMessage `json:"rows"`
	} `json:"variants"`
}

// parseAlignment decodes the aligner artifact for one read. A malformed
// artifact after a clean tool exit is a parse failure, never retried.
func parseAlignment(read string, data []byte) (*ReadAlignment, error) {
	var out alignerOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &toolrunner.InvocationError{
			Tool:      "aligner",
			Permanent: true,
			Err:       fmt.Errorf("%w: decoding alignment artifact: %v", toolrunner.ErrParse, err),
		}
	}

	ra := &ReadAlignment{
		Read:    read,
		Forward: out.Ref1Forward == nil || *out.Ref1Forward != 0,
	}

	cols := make(map[string]int, len(out.Variants.Columns))
	for i, name := range out.Variants.Columns {
		cols[strings.ToLower(name)] = i
	}
	for _, raw := range out.Variants.Rows {
		var row []any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, &toolrunner.InvocationError{
				Tool:      "aligner",
				Permanent: true,
				Err:       fmt.Errorf("%w: decoding variant row: %v", toolrunner.ErrParse, err),
			}
		}
		v := Variant{
			Position: cellInt(row, cols, "pos"),
			Ref:      cellString(row, cols, "ref"),
			Alt:      cellString(row, cols, "alt"),
			Type:     cellString(row, cols, "type"),
			Genotype: cellString(row, cols, "genotype"),
			HGVS:     cellString(row, cols, "hgvs"),
		}
		ra.Variants = append(ra.Variants, v)
	}
	return ra, nil
}

func cellString(row []any, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	s, _ := row[i].(string)
	return s
}

func cellInt(row []any, cols map[string]int, name string) int {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return 0
	}
	f, _ := row[i].(float64)
	return int(f)
}
