package annotate

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Source is an annotation provider consulted by the Reconciler.
//
// Annotate reports per-variant successes and failures inside the returned
// SourceResult; the error return is reserved for context cancellation.
type Source interface {
	Name() SourceName
	Annotate(ctx context.Context, variants []string) (*SourceResult, error)
}

// Reconciler drives each variant through the annotation state machine:
// pending, awaiting primary, then either annotated or awaiting fallback,
// and finally annotated or unannotated. A variant never moves backwards
// and every submitted variant reaches exactly one terminal state.
type Reconciler struct {
	primary  Source
	fallback Source
	logger   *zap.Logger
}

// NewReconciler creates a reconciler. fallback may be nil, in which case
// primary failures become terminal unannotated outcomes directly.
func NewReconciler(primary Source, fallback Source, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{primary: primary, fallback: fallback, logger: logger}
}

type variantTrack struct {
	state       VariantState
	annotation  *Annotation
	primaryErr  error
	fallbackErr error
}

// Reconcile annotates the given variants, consulting the fallback source
// only for variants the primary failed or omitted. Fallback submissions are
// strictly per-item so one bad descriptor cannot poison its neighbours.
//
// onProgress, when non-nil, is called after each state-machine step with the
// count of variants in a terminal state and the total.
//
// The returned Result partitions the deduplicated input set: every variant
// appears exactly once, either annotated or unannotated.
func (r *Reconciler) Reconcile(ctx context.Context, variants []string, onProgress func(done, total int)) (*Result, error) {
	order := make([]string, 0, len(variants))
	tracks := make(map[string]*variantTrack, len(variants))
	for _, v := range variants {
		if _, ok := tracks[v]; ok {
			continue
		}
		order = append(order, v)
		tracks[v] = &variantTrack{state: VariantPending}
	}
	total := len(order)

	// Primary pass: one batch submission covering every pending variant.
	for _, v := range order {
		tracks[v].state = VariantAwaitingPrimary
	}
	primaryRes, err := r.primary.Annotate(ctx, order)
	if err != nil {
		return nil, err
	}
	var needFallback []string
	for _, v := range order {
		t := tracks[v]
		if ann, ok := primaryRes.Annotations[v]; ok {
			t.state = VariantAnnotated
			t.annotation = ann
			continue
		}
		if srcErr, ok := primaryRes.Errors[v]; ok {
			t.primaryErr = srcErr
		} else {
			t.primaryErr = fmt.Errorf("no result returned for %q", v)
		}
		if r.fallback != nil {
			t.state = VariantAwaitingFallback
			needFallback = append(needFallback, v)
		} else {
			t.state = VariantUnannotated
		}
	}
	reportProgress(onProgress, tracks, total)

	if len(needFallback) > 0 {
		r.logger.Info("consulting fallback annotation source",
			zap.Int("variants", len(needFallback)),
			zap.Int("total", total))
	}
	for _, v := range needFallback {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := tracks[v]
		fbRes, err := r.fallback.Annotate(ctx, []string{v})
		if err != nil {
			return nil, err
		}
		if ann, ok := fbRes.Annotations[v]; ok {
			t.state = VariantAnnotated
			t.annotation = ann
		} else {
			t.state = VariantUnannotated
			if srcErr, ok := fbRes.Errors[v]; ok {
				t.fallbackErr = srcErr
			} else {
				t.fallbackErr = fmt.Errorf("no result returned for %q", v)
			}
		}
		reportProgress(onProgress, tracks, total)
	}

	result := &Result{}
	for _, v := range order {
		t := tracks[v]
		switch t.state {
		case VariantAnnotated:
			result.Annotated = append(result.Annotated, *t.annotation)
		case VariantUnannotated:
			u := Unannotated{Variant: v}
			if t.primaryErr != nil {
				u.PrimaryError = t.primaryErr.Error()
			}
			if t.fallbackErr != nil {
				u.FallbackError = t.fallbackErr.Error()
			}
			result.Unannotated = append(result.Unannotated, u)
		default:
			// Unreachable: both passes leave every variant terminal.
			return nil, fmt.Errorf("variant %q left in state %s", v, t.state)
		}
	}
	return result, nil
}

func reportProgress(onProgress func(done, total int), tracks map[string]*variantTrack, total int) {
	if onProgress == nil {
		return
	}
	done := 0
	for _, t := range tracks {
		if t.state.Terminal() {
			done++
		}
	}
	onProgress(done, total)
}
