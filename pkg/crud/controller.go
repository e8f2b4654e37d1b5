package crud

import (
	"context"
	"errors"
	"log/slog"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/store"
)

// Store persists items of one kind. store.MemoryItems and
// store.PostgresItems implement it.
type Store[T store.Item] interface {
	CreateItem(ctx context.Context, recordName string, item T) error
	UpdateItem(ctx context.Context, recordName string, item T) error
	GetItem(ctx context.Context, recordName, address string) (T, error)
	DeleteItem(ctx context.Context, recordName, address string) error
	ListItems(ctx context.Context, recordName string, opts store.ListOptions) (store.Page[T], error)
	ListItemsByMarker(ctx context.Context, recordName, marker string, opts store.ListOptions) (store.Page[T], error)
	CountItems(ctx context.Context, recordNames ...string) (store.Usage, error)
}

// InputHook turns a caller-supplied item into the item to persist. It may
// perform side effects and may reject the write. existing is nil on create.
type InputHook[T any] func(ctx context.Context, rc RecordContext, item T, existing *T) (T, *result.Failure)

// OutputHook enriches an item before it is returned. It must not write.
type OutputHook[T any] func(ctx context.Context, rc RecordContext, item T) (T, *result.Failure)

type Config[T store.Item] struct {
	ResourceKind string
	// FeatureKey selects the subscription limits; defaults to ResourceKind.
	FeatureKey string
	Store      Store[T]
	Records    RecordResolver
	Policy     Authorizer
	Features   Features
	// Immutable items reject updates with action_not_supported.
	Immutable       bool
	Size            func(T) int64
	CheckMetrics    MetricsHook
	TransformInput  InputHook[T]
	TransformOutput OutputHook[T]
	// AfterErase runs once the item at address is deleted, to remove what
	// lives under it.
	AfterErase func(ctx context.Context, rc RecordContext, address string) error
	Logger     *slog.Logger
}

type Controller[T store.Item] struct {
	common
	cfg Config[T]
}

func NewController[T store.Item](cfg Config[T]) (*Controller[T], error) {
	if cfg.Store == nil {
		return nil, errors.New("crud: store required")
	}
	c, err := newCommon(cfg.ResourceKind, cfg.FeatureKey, cfg.Records, cfg.Policy, cfg.Features, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.Size == nil {
		cfg.Size = func(item T) int64 { return store.SizeOf(item) }
	}
	return &Controller[T]{common: c, cfg: cfg}, nil
}

func (c *Controller[T]) metrics(ctx context.Context, check MetricsCheck) *result.Failure {
	if c.cfg.CheckMetrics != nil {
		return c.cfg.CheckMetrics(ctx, check)
	}
	return c.checkMetrics(ctx, check, c.cfg.Store.CountItems)
}

// RecordItem creates the item at its address or replaces the existing one.
func (c *Controller[T]) RecordItem(ctx context.Context, caller Caller, item T) result.Result[RecordResult] {
	rc, f := c.resolve(ctx, caller)
	if f != nil {
		return result.Err[RecordResult](f)
	}
	address := item.ItemAddress()
	var existing *T
	current, err := c.cfg.Store.GetItem(ctx, rc.RecordName, address)
	switch {
	case err == nil:
		existing = &current
	case !errors.Is(err, store.ErrNotFound):
		return result.Err[RecordResult](c.storeFailure(ctx, "get", err))
	}

	action := ActionCreate
	var previousSize int64
	if existing != nil {
		if c.cfg.Immutable {
			return result.Err[RecordResult](immutable())
		}
		action = ActionUpdate
		if f := c.authorize(ctx, rc, action, address, (*existing).ItemMarkers()); f != nil {
			return result.Err[RecordResult](f)
		}
		previousSize = c.cfg.Size(*existing)
	}
	if f := c.authorize(ctx, rc, action, address, item.ItemMarkers()); f != nil {
		return result.Err[RecordResult](f)
	}
	if f := c.metrics(ctx, MetricsCheck{Record: rc, Action: action, ItemSize: c.cfg.Size(item), PreviousSize: previousSize}); f != nil {
		return result.Err[RecordResult](f)
	}
	if c.cfg.TransformInput != nil {
		item, f = c.cfg.TransformInput(ctx, rc, item, existing)
		if f != nil {
			return result.Err[RecordResult](f)
		}
	}

	if existing == nil {
		err = c.cfg.Store.CreateItem(ctx, rc.RecordName, item)
	} else {
		err = c.cfg.Store.UpdateItem(ctx, rc.RecordName, item)
	}
	if err != nil {
		return result.Err[RecordResult](c.storeFailure(ctx, string(action), err))
	}
	return result.OK(RecordResult{RecordName: rc.RecordName, Address: item.ItemAddress()})
}

func (c *Controller[T]) GetItem(ctx context.Context, caller Caller, address string) result.Result[ItemResult[T]] {
	rc, f := c.resolve(ctx, caller)
	if f != nil {
		return result.Err[ItemResult[T]](f)
	}
	item, err := c.cfg.Store.GetItem(ctx, rc.RecordName, address)
	if err != nil {
		return result.Err[ItemResult[T]](c.storeFailure(ctx, "get", err))
	}
	if f := c.authorize(ctx, rc, ActionRead, address, item.ItemMarkers()); f != nil {
		return result.Err[ItemResult[T]](f)
	}
	if c.cfg.TransformOutput != nil {
		if item, f = c.cfg.TransformOutput(ctx, rc, item); f != nil {
			return result.Err[ItemResult[T]](f)
		}
	}
	return result.OK(ItemResult[T]{Item: item})
}

// ListItems lists every item in the record. Only callers with record-wide
// access pass authorization.
func (c *Controller[T]) ListItems(ctx context.Context, caller Caller, opts store.ListOptions) result.Result[ListResult[T]] {
	return c.list(ctx, caller, "", opts)
}

// ListItemsByMarker lists the items carrying marker.
func (c *Controller[T]) ListItemsByMarker(ctx context.Context, caller Caller, marker string, opts store.ListOptions) result.Result[ListResult[T]] {
	if marker == "" {
		return result.Err[ListResult[T]](result.Fail(result.CodeUnacceptableRequest, "A marker is required."))
	}
	return c.list(ctx, caller, marker, opts)
}

func (c *Controller[T]) list(ctx context.Context, caller Caller, marker string, opts store.ListOptions) result.Result[ListResult[T]] {
	rc, f := c.resolve(ctx, caller)
	if f != nil {
		return result.Err[ListResult[T]](f)
	}
	var markers []string
	if marker != "" {
		markers = []string{marker}
	}
	if f := c.authorize(ctx, rc, ActionList, "", markers); f != nil {
		return result.Err[ListResult[T]](f)
	}

	var page store.Page[T]
	var err error
	if marker == "" {
		page, err = c.cfg.Store.ListItems(ctx, rc.RecordName, opts)
	} else {
		page, err = c.cfg.Store.ListItemsByMarker(ctx, rc.RecordName, marker, opts)
	}
	if err != nil {
		return result.Err[ListResult[T]](c.storeFailure(ctx, "list", err))
	}
	items := make([]T, 0, len(page.Items))
	for _, item := range page.Items {
		if c.cfg.TransformOutput != nil {
			if item, f = c.cfg.TransformOutput(ctx, rc, item); f != nil {
				return result.Err[ListResult[T]](f)
			}
		}
		items = append(items, item)
	}
	return result.OK(ListResult[T]{RecordName: rc.RecordName, Items: items, TotalCount: page.TotalCount, Marker: marker})
}

// EraseItem deletes the item at address. Erasing a missing item succeeds
// for callers with record-wide delete access.
func (c *Controller[T]) EraseItem(ctx context.Context, caller Caller, address string) result.Result[Erased] {
	rc, f := c.resolve(ctx, caller)
	if f != nil {
		return result.Err[Erased](f)
	}
	var markers []string
	item, err := c.cfg.Store.GetItem(ctx, rc.RecordName, address)
	switch {
	case err == nil:
		markers = item.ItemMarkers()
	case !errors.Is(err, store.ErrNotFound):
		return result.Err[Erased](c.storeFailure(ctx, "get", err))
	}
	if f := c.authorize(ctx, rc, ActionDelete, address, markers); f != nil {
		return result.Err[Erased](f)
	}
	if f := c.metrics(ctx, MetricsCheck{Record: rc, Action: ActionDelete}); f != nil {
		return result.Err[Erased](f)
	}
	if err := c.cfg.Store.DeleteItem(ctx, rc.RecordName, address); err != nil {
		return result.Err[Erased](c.storeFailure(ctx, "delete", err))
	}
	if c.cfg.AfterErase != nil {
		if err := c.cfg.AfterErase(ctx, rc, address); err != nil {
			return result.Err[Erased](c.storeFailure(ctx, "delete children", err))
		}
	}
	return result.OK(Erased{})
}
