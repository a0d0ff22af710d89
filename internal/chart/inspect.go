package chart

import (
	"context"

	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/intent"
)

// Describe returns the dataset's Column Descriptor list.
func (s *Service) Describe(ctx context.Context, ref dataset.Ref) (dataset.Columns, error) {
	b, err := s.openBackend(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer b.close()
	return b.columns(ctx)
}

// Sample reads up to limit rows. A non-positive limit uses the configured
// sample size.
func (s *Service) Sample(ctx context.Context, ref dataset.Ref, limit int) (dataset.Sample, error) {
	if limit <= 0 {
		limit = s.sampleRows
	}
	b, err := s.openBackend(ctx, ref)
	if err != nil {
		return dataset.Sample{}, err
	}
	defer b.close()
	return b.sample(ctx, limit)
}

// CompileIntent validates a raw Query Intent against the dataset's schema and
// compiles it for the dataset's backend. No model is called and nothing is
// executed.
func (s *Service) CompileIntent(ctx context.Context, ref dataset.Ref, raw string) (*compiler.Plan, error) {
	in, err := intent.Parse(raw)
	if err != nil {
		return nil, err
	}
	b, err := s.openBackend(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer b.close()
	cols, err := b.columns(ctx)
	if err != nil {
		return nil, err
	}
	v, err := intent.Validate(in, cols)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(v, cols, b.target(), s.compile)
}
