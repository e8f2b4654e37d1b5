package crud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/store"
)

// SubStore persists children keyed by K under parent items.
// store.MemorySubItems and store.PostgresSubItems implement it.
type SubStore[K comparable, T any] interface {
	CreateItem(ctx context.Context, recordName, address string, item T) error
	PutItem(ctx context.Context, recordName, address string, item T) error
	GetItemByKey(ctx context.Context, recordName, address string, key K) (store.SubItem[T], error)
	DeleteItem(ctx context.Context, recordName, address string, key K) error
	// DeleteParent drops every child of the item at address.
	DeleteParent(ctx context.Context, recordName, address string) error
	ListItems(ctx context.Context, recordName, address string) (store.Page[T], error)
	CountItems(ctx context.Context, recordNames ...string) (store.Usage, error)
}

type SubConfig[K comparable, T any] struct {
	ResourceKind string
	FeatureKey   string
	Store        SubStore[K, T]
	// Parents reports the markers of the parent item. Authorization of a
	// child always uses them.
	Parents  store.Parents
	Records  RecordResolver
	Policy   Authorizer
	Features Features
	KeyOf    func(T) K
	// Less orders ListItems results. Nil leaves store order.
	Less            func(a, b T) bool
	Immutable       bool
	Size            func(T) int64
	CheckMetrics    MetricsHook
	TransformInput  InputHook[T]
	TransformOutput OutputHook[T]
	Logger          *slog.Logger
}

type SubController[K comparable, T any] struct {
	common
	cfg SubConfig[K, T]
}

func NewSubController[K comparable, T any](cfg SubConfig[K, T]) (*SubController[K, T], error) {
	if cfg.Store == nil || cfg.Parents == nil {
		return nil, errors.New("crud: sub store and parents required")
	}
	if cfg.KeyOf == nil {
		return nil, errors.New("crud: key function required")
	}
	c, err := newCommon(cfg.ResourceKind, cfg.FeatureKey, cfg.Records, cfg.Policy, cfg.Features, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.Size == nil {
		cfg.Size = func(item T) int64 { return store.SizeOf(item) }
	}
	return &SubController[K, T]{common: c, cfg: cfg}, nil
}

func (c *SubController[K, T]) metrics(ctx context.Context, check MetricsCheck) *result.Failure {
	if c.cfg.CheckMetrics != nil {
		return c.cfg.CheckMetrics(ctx, check)
	}
	return c.checkMetrics(ctx, check, c.cfg.Store.CountItems)
}

func (c *SubController[K, T]) parentMarkers(ctx context.Context, recordName, address string) ([]string, *result.Failure) {
	markers, err := c.cfg.Parents.ParentMarkers(ctx, recordName, address)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrParentNotFound) {
		return nil, result.Fail(result.CodeParentNotFound, "The parent item was not found.")
	}
	if err != nil {
		return nil, c.storeFailure(ctx, "parent", err)
	}
	return markers, nil
}

func (c *SubController[K, T]) id(address string, key K) string {
	return fmt.Sprintf("%s/%v", address, key)
}

// RecordItem creates the child under the item at address, or replaces the
// child with the same key. A missing parent persists nothing.
func (c *SubController[K, T]) RecordItem(ctx context.Context, caller Caller, address string, item T) result.Result[RecordResult] {
	rc, f := c.resolve(ctx, caller)
	if f != nil {
		return result.Err[RecordResult](f)
	}
	markers, f := c.parentMarkers(ctx, rc.RecordName, address)
	if f != nil {
		return result.Err[RecordResult](f)
	}
	key := c.cfg.KeyOf(item)
	var existing *T
	current, err := c.cfg.Store.GetItemByKey(ctx, rc.RecordName, address, key)
	switch {
	case err == nil:
		existing = &current.Item
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
		previousSize = c.cfg.Size(*existing)
	}
	if f := c.authorize(ctx, rc, action, c.id(address, key), markers); f != nil {
		return result.Err[RecordResult](f)
	}
	if f := c.metrics(ctx, MetricsCheck{Record: rc, Action: action, ItemSize: c.cfg.Size(item), PreviousSize: previousSize}); f != nil {
		return result.Err[RecordResult](f)
	}
	if c.cfg.TransformInput != nil {
		if item, f = c.cfg.TransformInput(ctx, rc, item, existing); f != nil {
			return result.Err[RecordResult](f)
		}
	}

	if existing == nil {
		err = c.cfg.Store.CreateItem(ctx, rc.RecordName, address, item)
	} else {
		err = c.cfg.Store.PutItem(ctx, rc.RecordName, address, item)
	}
	if err != nil {
		return result.Err[RecordResult](c.storeFailure(ctx, string(action), err))
	}
	return result.OK(RecordResult{RecordName: rc.RecordName, Address: address})
}

func (c *SubController[K, T]) GetItem(ctx context.Context, caller Caller, address string, key K) result.Result[ItemResult[T]] {
	rc, f := c.resolve(ctx, caller)
	if f != nil {
		return result.Err[ItemResult[T]](f)
	}
	sub, err := c.cfg.Store.GetItemByKey(ctx, rc.RecordName, address, key)
	if err != nil {
		return result.Err[ItemResult[T]](c.storeFailure(ctx, "get", err))
	}
	if f := c.authorize(ctx, rc, ActionRead, c.id(address, key), sub.ParentMarkers); f != nil {
		return result.Err[ItemResult[T]](f)
	}
	item := sub.Item
	if c.cfg.TransformOutput != nil {
		if item, f = c.cfg.TransformOutput(ctx, rc, item); f != nil {
			return result.Err[ItemResult[T]](f)
		}
	}
	return result.OK(ItemResult[T]{Item: item})
}

// ListItems returns every child of the item at address.
func (c *SubController[K, T]) ListItems(ctx context.Context, caller Caller, address string) result.Result[ListResult[T]] {
	rc, f := c.resolve(ctx, caller)
	if f != nil {
		return result.Err[ListResult[T]](f)
	}
	markers, f := c.parentMarkers(ctx, rc.RecordName, address)
	if f != nil {
		return result.Err[ListResult[T]](f)
	}
	if f := c.authorize(ctx, rc, ActionList, address, markers); f != nil {
		return result.Err[ListResult[T]](f)
	}
	page, err := c.cfg.Store.ListItems(ctx, rc.RecordName, address)
	if err != nil {
		return result.Err[ListResult[T]](c.storeFailure(ctx, "list", err))
	}
	items := page.Items
	if c.cfg.Less != nil {
		sort.SliceStable(items, func(i, j int) bool { return c.cfg.Less(items[i], items[j]) })
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if c.cfg.TransformOutput != nil {
			if item, f = c.cfg.TransformOutput(ctx, rc, item); f != nil {
				return result.Err[ListResult[T]](f)
			}
		}
		out = append(out, item)
	}
	return result.OK(ListResult[T]{RecordName: rc.RecordName, Items: out, TotalCount: page.TotalCount})
}

// EraseItem deletes one child. Deleting a missing child succeeds.
func (c *SubController[K, T]) EraseItem(ctx context.Context, caller Caller, address string, key K) result.Result[Erased] {
	rc, f := c.resolve(ctx, caller)
	if f != nil {
		return result.Err[Erased](f)
	}
	markers, f := c.parentMarkers(ctx, rc.RecordName, address)
	if f != nil {
		return result.Err[Erased](f)
	}
	if f := c.authorize(ctx, rc, ActionDelete, c.id(address, key), markers); f != nil {
		return result.Err[Erased](f)
	}
	if f := c.metrics(ctx, MetricsCheck{Record: rc, Action: ActionDelete}); f != nil {
		return result.Err[Erased](f)
	}
	if err := c.cfg.Store.DeleteItem(ctx, rc.RecordName, address, key); err != nil {
		return result.Err[Erased](c.storeFailure(ctx, "delete", err))
	}
	return result.OK(Erased{})
}
