package forq

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/util/wait"
)

// RunPromoter moves due delayed jobs back to the wait list on every tick
// until the context is cancelled or the queue closes. Any process may run
// it; the underlying move is atomic, so concurrent promoters never
// double-promote a job.
func (q *Queue) RunPromoter(ctx context.Context) error {
	return wait.PollUntilContextCancel(
		ctx,
		q.cfg.PromoteInterval,
		true,
		func(ctx context.Context) (bool, error) {
			select {
			case <-q.closing:
				return true, nil
			default:
			}

			for {
				moved, err := q.engine.PromoteDue(ctx, time.Now().UnixMilli(), q.cfg.PromoteBatch)
				if err != nil {
					level.Warn(q.logger).Log("msg", "promoting delayed jobs failed", "queue", q.Name, "err", err)
					return false, nil
				}
				if moved > 0 {
					level.Debug(q.logger).Log("msg", "promoted delayed jobs", "queue", q.Name, "count", moved)
				}
				if moved < q.cfg.PromoteBatch {
					return false, nil
				}
			}
		},
	)
}
