package crud

import (
	"context"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/store"
)

// MetricsCheck describes a pending mutation for the subscription check.
type MetricsCheck struct {
	Record RecordContext
	Action Action
	// ItemSize is the size of the item being written; zero for deletes.
	ItemSize int64
	// PreviousSize is the size of the item being replaced, if any.
	PreviousSize int64
}

// MetricsHook may replace the default subscription check. It runs before
// any store mutation.
type MetricsHook func(ctx context.Context, check MetricsCheck) *result.Failure

type usageFunc func(ctx context.Context, recordNames ...string) (store.Usage, error)

func (c *common) checkMetrics(ctx context.Context, check MetricsCheck, usage usageFunc) *result.Failure {
	limits := c.features.Limits(check.Record.SubscriptionTier, c.feature)
	if !limits.Allowed {
		return result.NotAuthorized(&result.Reason{
			Type:         "disabled_feature",
			Action:       string(check.Action),
			ResourceKind: c.kind,
		})
	}
	if check.Action == ActionDelete {
		return nil
	}
	if limits.MaxItemBytes > 0 && check.ItemSize > limits.MaxItemBytes {
		return limitReached("The item is larger than your subscription allows.")
	}
	if limits.MaxItems <= 0 && limits.MaxBytesTotal <= 0 {
		return nil
	}
	names, err := c.records.MeteredRecords(ctx, check.Record)
	if err != nil {
		return c.storeFailure(ctx, "metered records", err)
	}
	if len(names) == 0 {
		names = []string{check.Record.RecordName}
	}
	u, err := usage(ctx, names...)
	if err != nil {
		return c.storeFailure(ctx, "count", err)
	}
	if check.Action == ActionCreate && limits.MaxItems > 0 && u.Items >= limits.MaxItems {
		return limitReached("The maximum number of items has been reached for your subscription.")
	}
	if limits.MaxBytesTotal > 0 && u.Bytes-check.PreviousSize+check.ItemSize > limits.MaxBytesTotal {
		return limitReached("The maximum storage size has been reached for your subscription.")
	}
	return nil
}

func limitReached(msg string) *result.Failure {
	return result.Fail(result.CodeSubscriptionLimitReached, msg)
}
