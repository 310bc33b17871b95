package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqtrace/bioengine/pkg/refstore"
	"github.com/seqtrace/bioengine/pkg/registry"
	"github.com/seqtrace/bioengine/pkg/toolrunner"
	"github.com/seqtrace/bioengine/pkg/toolspec"
)

// testTools wires every external tool through sh so the tests run without
// tracy or samtools installed. The aligner script copies a prepared artifact
// into the working directory.
func testTools(artifactSource string) *toolspec.Spec {
	s := toolspec.Default()
	s.Aligner = toolspec.Command{
		Binary:    "sh",
		Args:      []string{"-c", "cp " + artifactSource + " {workdir}/alignment.json"},
		Artifacts: []string{"alignment.json"},
	}
	s.Compressor = toolspec.Command{Binary: "sh", Args: []string{"-c", "cp {reference} {reference}.gz"}}
	s.Indexer = toolspec.Command{Binary: "sh", Args: []string{"-c", "echo fm9 > {index}"}}
	s.Faidx = toolspec.Command{Binary: "sh", Args: []string{"-c", "echo fai > {reference}.fai"}}
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func noProgress(int, string) {}

func TestAlignmentRunProducesResult(t *testing.T) {
	dir := t.TempDir()
	ref := writeFile(t, dir, "ref.fasta", ">ref\nACGTACGT\n")
	read := writeFile(t, dir, "sample.ab1", "trace")
	artifact := writeFile(t, dir, "prepared.json", sampleArtifact)

	tools := testTools(artifact)
	runner := toolrunner.New(t.TempDir(), nil)
	refs := refstore.New(refstore.Config{CacheDir: t.TempDir()}, runner, tools, nil)
	p := NewAlignment(refs, runner, tools, nil)

	assert.Equal(t, registry.KindAlignment, p.Kind())

	job := &registry.Job{
		ID:    "j1",
		Kind:  registry.KindAlignment,
		Input: registry.Input{Reference: ref, Reads: []string{read}},
	}
	raw, err := p.Run(context.Background(), job, noProgress)
	require.NoError(t, err)

	var result AlignmentResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, ref, result.Reference)
	assert.Equal(t, "ACGTACGT", result.ReferenceSequence)
	require.Len(t, result.Reads, 1)
	assert.Equal(t, read, result.Reads[0].Read)
	require.Len(t, result.Reads[0].Variants, 2)
	assert.Equal(t, "NM_000527.5:c.1061-8T>C", result.Reads[0].Variants[0].HGVS)
}

func TestAlignmentNoReadsFails(t *testing.T) {
	p := NewAlignment(nil, nil, nil, nil)
	job := &registry.Job{Input: registry.Input{Reference: "ref.fasta"}}
	_, err := p.Run(context.Background(), job, noProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reads")
}

func TestAlignmentLargeReferenceIndexedAndRetried(t *testing.T) {
	dir := t.TempDir()
	ref := writeFile(t, dir, "ref.fasta", ">ref\nACGTACGT\n")
	read := writeFile(t, dir, "sample.ab1", "trace")
	artifact := writeFile(t, dir, "prepared.json", sampleArtifact)

	// The aligner rejects the plain reference and only accepts the
	// compressed path produced by indexing.
	tools := testTools(artifact)
	tools.Aligner = toolspec.Command{
		Binary: "sh",
		Args: []string{"-c",
			`case {reference} in *.gz) cp ` + artifact + ` {workdir}/alignment.json ;; ` +
				`*) echo "Reference is larger than 50Kbp. Please use a pre-built index." >&2; exit 1 ;; esac`},
		Artifacts: []string{"alignment.json"},
	}
	runner := toolrunner.New(t.TempDir(), nil)
	refs := refstore.New(refstore.Config{
		CacheDir:       t.TempDir(),
		IndexThreshold: 1,
	}, runner, tools, nil)
	p := NewAlignment(refs, runner, tools, nil)

	ra, err := p.alignRead(context.Background(), ref, read)
	require.NoError(t, err)
	assert.Len(t, ra.Variants, 2)
	assert.FileExists(t, ref+".gz")
}

func TestAlignmentGarbageArtifactIsParseError(t *testing.T) {
	dir := t.TempDir()
	ref := writeFile(t, dir, "ref.fasta", ">ref\nACGT\n")
	read := writeFile(t, dir, "sample.ab1", "trace")
	artifact := writeFile(t, dir, "prepared.json", "not json at all")

	tools := testTools(artifact)
	runner := toolrunner.New(t.TempDir(), nil)
	refs := refstore.New(refstore.Config{CacheDir: t.TempDir()}, runner, tools, nil)
	p := NewAlignment(refs, runner, tools, nil)

	job := &registry.Job{
		Kind:  registry.KindAlignment,
		Input: registry.Input{Reference: ref, Reads: []string{read}},
	}
	_, err := p.Run(context.Background(), job, noProgress)
	require.Error(t, err)
	assert.True(t, toolrunner.IsParseError(err))
	assert.True(t, toolrunner.IsPermanent(err))
}
