package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/seqtrace/bioengine/pkg/annotate"
	"github.com/seqtrace/bioengine/pkg/registry"
	"github.com/seqtrace/bioengine/pkg/scheduler"
)

// Annotation reconciles a submitted variant set against the annotation
// sources. Partial annotation is a success: the result carries both the
// annotated and the unannotated partitions.
type Annotation struct {
	reconciler *annotate.Reconciler
	logger     *zap.Logger
}

// NewAnnotation creates the annotation pipeline.
func NewAnnotation(reconciler *annotate.Reconciler, logger *zap.Logger) *Annotation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Annotation{reconciler: reconciler, logger: logger}
}

func (p *Annotation) Kind() registry.JobKind {
	return registry.KindAnnotation
}

func (p *Annotation) Run(ctx context.Context, job *registry.Job, progress scheduler.ProgressFunc) (json.RawMessage, error) {
	if len(job.Input.Variants) == 0 {
		return nil, fmt.Errorf("annotation job has no variants")
	}

	progress(5, "annotating variants")
	result, err := p.reconciler.Reconcile(ctx, job.Input.Variants, func(done, total int) {
		if total > 0 {
			progress(5+90*done/total, fmt.Sprintf("annotated %d/%d variants", done, total))
		}
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("annotation reconciled",
		zap.String("job_id", job.ID),
		zap.Int("annotated", len(result.Annotated)),
		zap.Int("unannotated", len(result.Unannotated)))
	return json.Marshal(result)
}
