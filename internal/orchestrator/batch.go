package orchestrator

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// BatchItem is the outcome of one request in a batch. Exactly one of Result
// and Err is set.
type BatchItem struct {
	Request Request `json:"request"`
	Result  *Result `json:"result,omitempty"`
	Err     error   `json:"-"`
}

// RunBatch executes independent requests with at most concurrency runs in
// flight. Items are returned in request order.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []Request, concurrency int) []BatchItem {
	if concurrency <= 0 {
		concurrency = 1
	}
	items := make([]BatchItem, len(reqs))
	p := pool.New().WithMaxGoroutines(concurrency)
	for i, req := range reqs {
		i, req := i, req // per-iteration copies (pre-Go 1.22 loop semantics)
		items[i].Request = req
		p.Go(func() {
			res, err := o.Run(ctx, req)
			items[i].Result = res
			items[i].Err = err
			if err != nil {
				o.deps.Logger.Warn("batch request failed to start",
					zap.Int("index", i), zap.String("issue_id", req.IssueID), zap.Error(err))
			}
		})
	}
	p.Wait()
	return items
}
