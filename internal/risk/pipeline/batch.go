package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// BatchItem is one entry of a batch response. Exactly one of Intervention and
// Error is set.
type BatchItem struct {
	Index        int           `json:"index"`
	LearnerID    string        `json:"learner_id"`
	Intervention *Intervention `json:"intervention,omitempty"`
	Error        *ItemError    `json:"error,omitempty"`
}

type ItemError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// AssessBatch assesses learners concurrently. A failing item does not fail
// the batch; results keep request order.
func (p *Pipeline) AssessBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", ErrMalformedRequest)
	}
	if len(reqs) > p.cfg.BatchMaxItems {
		return nil, fmt.Errorf("%w: batch has %d items, limit is %d", ErrMalformedRequest, len(reqs), p.cfg.BatchMaxItems)
	}
	if p.deps.Snapshots.Load() == nil {
		return nil, ErrSnapshotUnavailable
	}

	out := make([]BatchItem, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BatchConcurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			item := BatchItem{Index: i, LearnerID: reqs[i].LearnerID}
			iv, err := p.Assess(gctx, reqs[i])
			if err != nil {
				item.Error = &ItemError{Message: err.Error(), Code: ErrorCode(err)}
			} else {
				item.Intervention = iv
			}
			out[i] = item
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}
