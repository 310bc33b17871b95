package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/seqtrace/bioengine/pkg/refstore"
	"github.com/seqtrace/bioengine/pkg/registry"
	"github.com/seqtrace/bioengine/pkg/scheduler"
	"github.com/seqtrace/bioengine/pkg/toolrunner"
	"github.com/seqtrace/bioengine/pkg/toolspec"
)

// largeReferenceSignature is the aligner's deterministic complaint when a
// reference needs a prebuilt index. It triggers on-demand indexing and one
// retry instead of a failure.
const largeReferenceSignature = "Reference is larger than"

// AlignmentResult is the payload of a completed alignment job.
type AlignmentResult struct {
	Reference string `json:"reference"`

	// ReferenceSequence is the resolved reference, headers stripped, so a
	// consumer can interpret variant positions without the FASTA file.
	ReferenceSequence string `json:"reference_sequence,omitempty"`

	Reads []ReadAlignment `json:"reads"`
}

// Alignment aligns reads against a reference by invoking the external
// aligner once per read and parsing its decomposition artifact.
type Alignment struct {
	refs   *refstore.Store
	runner *toolrunner.Runner
	tools  *toolspec.Spec
	logger *zap.Logger
}

// NewAlignment creates the alignment pipeline.
func NewAlignment(refs *refstore.Store, runner *toolrunner.Runner, tools *toolspec.Spec, logger *zap.Logger) *Alignment {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tools == nil {
		tools = toolspec.Default()
	}
	return &Alignment{refs: refs, runner: runner, tools: tools, logger: logger}
}

func (p *Alignment) Kind() registry.JobKind {
	return registry.KindAlignment
}

func (p *Alignment) Run(ctx context.Context, job *registry.Job, progress scheduler.ProgressFunc) (json.RawMessage, error) {
	result, err := p.align(ctx, job, progress)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// align resolves the reference and decomposes every read.
func (p *Alignment) align(ctx context.Context, job *registry.Job, progress scheduler.ProgressFunc) (*AlignmentResult, error) {
	if len(job.Input.Reads) == 0 {
		return nil, fmt.Errorf("alignment job has no reads")
	}

	progress(5, "resolving reference")
	refPath, err := p.refs.Resolve(ctx, job.Input.Reference)
	if err != nil {
		return nil, fmt.Errorf("resolving reference %q: %w", job.Input.Reference, err)
	}

	// The resolved path is block-compressed for large references; the
	// compressor keeps the plain copy next to it.
	seq, err := p.refs.Sequence(strings.TrimSuffix(refPath, ".gz"))
	if err != nil {
		return nil, fmt.Errorf("reading reference sequence: %w", err)
	}

	result := &AlignmentResult{Reference: refPath, ReferenceSequence: seq}
	for i, read := range job.Input.Reads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress(5+90*i/len(job.Input.Reads), fmt.Sprintf("aligning %s", read))

		ra, err := p.alignRead(ctx, refPath, read)
		if err != nil {
			return nil, err
		}
		result.Reads = append(result.Reads, *ra)
	}
	progress(95, "alignment complete")
	return result, nil
}

// alignRead decomposes a single read. A large-reference complaint triggers
// index construction and a single retry against the compressed reference.
func (p *Alignment) alignRead(ctx context.Context, refPath, read string) (*ReadAlignment, error) {
	ra, err := p.invokeAligner(ctx, refPath, read)
	if err == nil {
		return ra, nil
	}

	var invErr *toolrunner.InvocationError
	if errors.As(err, &invErr) && strings.Contains(invErr.Stderr, largeReferenceSignature) {
		p.logger.Info("reference requires index, building",
			zap.String("reference", refPath),
			zap.String("read", read))
		indexed, idxErr := p.refs.EnsureIndexed(ctx, refPath)
		if idxErr != nil {
			return nil, fmt.Errorf("indexing reference after aligner rejection: %w", idxErr)
		}
		return p.invokeAligner(ctx, indexed, read)
	}
	return nil, err
}

func (p *Alignment) invokeAligner(ctx context.Context, refPath, read string) (*ReadAlignment, error) {
	cmd := p.tools.Aligner
	vars := map[string]string{
		"reference":  refPath,
		"read":       read,
		"trim_left":  "0",
		"trim_right": "0",
	}
	res, err := p.runner.Invoke(ctx, toolrunner.Invocation{
		Tool:                cmd.Binary,
		Args:                cmd.Render(vars),
		ArtifactGlobs:       cmd.Artifacts,
		Timeout:             cmd.Timeout.Std(),
		PermanentSignatures: append([]string{largeReferenceSignature}, cmd.PermanentSignatures...),
	})
	if err != nil {
		return nil, err
	}

	artifact := res.Artifact("*.json")
	if artifact == nil {
		return nil, &toolrunner.InvocationError{
			Tool:      cmd.Binary,
			Permanent: true,
			Err:       fmt.Errorf("%w: aligner produced no JSON artifact", toolrunner.ErrParse),
		}
	}
	return parseAlignment(read, artifact)
}
