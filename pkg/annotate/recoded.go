package annotate

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RecodedSource is a fallback annotation source that first resolves a
// descriptor to its genomic equivalents through a Mapper and then queries a
// consequence client with the recoded forms. Results are keyed back to the
// original descriptor.
//
// Lookups are strictly per-item; RecodedSource is meant as the fallback arm
// of a Reconciler.
type RecodedSource struct {
	mapper *Mapper
	client *Client
	logger *zap.Logger
}

// NewRecodedSource creates the recode-then-annotate fallback source.
func NewRecodedSource(mapper *Mapper, client *Client, logger *zap.Logger) *RecodedSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecodedSource{mapper: mapper, client: client, logger: logger}
}

// Name returns the source identifier for outcomes.
func (s *RecodedSource) Name() SourceName {
	return SourceFallback
}

// Annotate resolves and annotates each variant individually.
func (s *RecodedSource) Annotate(ctx context.Context, variants []string) (*SourceResult, error) {
	result := &SourceResult{
		Annotations: make(map[string]*Annotation),
		Errors:      make(map[string]error),
	}
	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ann, err := s.annotateOne(ctx, v)
		if err != nil {
			result.Errors[v] = err
			continue
		}
		result.Annotations[v] = ann
	}
	return result, nil
}

func (s *RecodedSource) annotateOne(ctx context.Context, variant string) (*Annotation, error) {
	mapping, err := s.mapper.Resolve(ctx, variant)
	if err != nil {
		return nil, err
	}
	candidates := append(append([]string(nil), mapping.Genomic...), mapping.Variants...)

	var lastErr error
	for _, candidate := range candidates {
		res, err := s.client.Annotate(ctx, []string{candidate})
		if err != nil {
			return nil, err
		}
		if ann, ok := res.Annotations[candidate]; ok {
			rekeyed := *ann
			rekeyed.Variant = variant
			rekeyed.Source = SourceFallback
			s.logger.Debug("fallback annotation via recoded descriptor",
				zap.String("variant", variant),
				zap.String("recoded", candidate))
			return &rekeyed, nil
		}
		if srcErr, ok := res.Errors[candidate]; ok {
			lastErr = srcErr
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no equivalent of %q could be annotated", ErrRejected, variant)
}
