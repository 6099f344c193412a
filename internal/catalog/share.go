package catalog

import (
	"context"
	"fmt"

	"github.com/cwbudde/optbridge/internal/parallel"
)

// share sums term(0..n-1) with the work spread over the ranks found in ctx.
// Rank r computes the terms i with i % size == r; every rank then
// broadcasts its partial sum in rank order so all ranks return the total.
func share(ctx context.Context, n int, term func(i int) float64) (float64, error) {
	c := parallel.FromContext(ctx)
	size, rank := c.Size(), c.Rank()

	var partial float64
	for i := rank; i < n; i += size {
		partial += term(i)
	}
	if size == 1 {
		return partial, nil
	}

	var total float64
	for r := 0; r < size; r++ {
		v, err := parallel.Bcast(ctx, c, partial, r)
		if err != nil {
			return 0, fmt.Errorf("failed to share partial objective of rank %d: %w", r, err)
		}
		total += v
	}
	return total, nil
}
