package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound       = errors.New("store: item not found")
	ErrParentNotFound = errors.New("store: parent item not found")
)

// Item is anything stored at an address inside a record.
type Item interface {
	ItemAddress() string
	ItemMarkers() []string
}

type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// ListOptions pages through a record by address. Items strictly after
// StartingAddress (in sort order) are returned.
type ListOptions struct {
	StartingAddress string
	Sort            SortOrder
	Limit           int
}

type Page[T any] struct {
	Items      []T
	TotalCount int
}

// Usage is what a record currently stores for one resource kind.
type Usage struct {
	Items int
	Bytes int64
}

// SizeOf is the byte size used for subscription metrics: the length of the
// item's JSON encoding.
func SizeOf(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

type recordKey struct {
	record  string
	address string
}

// MemoryItems is an in-process item store.
type MemoryItems[T Item] struct {
	mu    sync.RWMutex
	items map[recordKey]T
}

func NewMemoryItems[T Item]() *MemoryItems[T] {
	return &MemoryItems[T]{items: map[recordKey]T{}}
}

func (m *MemoryItems[T]) CreateItem(_ context.Context, recordName string, item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[recordKey{recordName, item.ItemAddress()}] = item
	return nil
}

func (m *MemoryItems[T]) UpdateItem(_ context.Context, recordName string, item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{recordName, item.ItemAddress()}
	if _, ok := m.items[k]; !ok {
		return ErrNotFound
	}
	m.items[k] = item
	return nil
}

func (m *MemoryItems[T]) GetItem(_ context.Context, recordName, address string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[recordKey{recordName, address}]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return item, nil
}

func (m *MemoryItems[T]) DeleteItem(_ context.Context, recordName, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, recordKey{recordName, address})
	return nil
}

func (m *MemoryItems[T]) ListItems(_ context.Context, recordName string, opts ListOptions) (Page[T], error) {
	return m.list(recordName, "", opts), nil
}

func (m *MemoryItems[T]) ListItemsByMarker(_ context.Context, recordName, marker string, opts ListOptions) (Page[T], error) {
	return m.list(recordName, marker, opts), nil
}

func (m *MemoryItems[T]) list(recordName, marker string, opts ListOptions) Page[T] {
	m.mu.RLock()
	var all []T
	for k, item := range m.items {
		if k.record != recordName {
			continue
		}
		if marker != "" && !hasMarker(item.ItemMarkers(), marker) {
			continue
		}
		all = append(all, item)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if opts.Sort == Descending {
			return all[i].ItemAddress() > all[j].ItemAddress()
		}
		return all[i].ItemAddress() < all[j].ItemAddress()
	})
	page := Page[T]{Items: []T{}, TotalCount: len(all)}
	for _, item := range all {
		if opts.StartingAddress != "" {
			a := item.ItemAddress()
			if opts.Sort == Descending && a >= opts.StartingAddress {
				continue
			}
			if opts.Sort != Descending && a <= opts.StartingAddress {
				continue
			}
		}
		if opts.Limit > 0 && len(page.Items) >= opts.Limit {
			break
		}
		page.Items = append(page.Items, item)
	}
	return page
}

// CountItems sums usage across recordNames.
func (m *MemoryItems[T]) CountItems(_ context.Context, recordNames ...string) (Usage, error) {
	in := nameSet(recordNames)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var u Usage
	for k, item := range m.items {
		if _, ok := in[k.record]; ok {
			u.Items++
			u.Bytes += SizeOf(item)
		}
	}
	return u, nil
}

// ParentMarkers reports the markers of the item at address.
func (m *MemoryItems[T]) ParentMarkers(ctx context.Context, recordName, address string) ([]string, error) {
	item, err := m.GetItem(ctx, recordName, address)
	if err != nil {
		return nil, err
	}
	return item.ItemMarkers(), nil
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func hasMarker(markers []string, marker string) bool {
	for _, m := range markers {
		if m == marker {
			return true
		}
	}
	return false
}

// Parents looks up the marker set of a parent item. It returns ErrNotFound
// when the parent does not exist.
type Parents interface {
	ParentMarkers(ctx context.Context, recordName, address string) ([]string, error)
}

// SubItem is a child item with the markers of the parent it lives under.
type SubItem[T any] struct {
	Item          T
	ParentMarkers []string
}

// MemorySubItems stores children keyed by K under items of a parent store.
type MemorySubItems[K comparable, T any] struct {
	parents Parents
	keyOf   func(T) K

	mu      sync.RWMutex
	buckets map[recordKey]map[K]T
}

func NewMemorySubItems[K comparable, T any](parents Parents, keyOf func(T) K) *MemorySubItems[K, T] {
	return &MemorySubItems[K, T]{parents: parents, keyOf: keyOf, buckets: map[recordKey]map[K]T{}}
}

func (m *MemorySubItems[K, T]) parentExists(ctx context.Context, recordName, address string) error {
	if _, err := m.parents.ParentMarkers(ctx, recordName, address); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrParentNotFound
		}
		return err
	}
	return nil
}

func (m *MemorySubItems[K, T]) CreateItem(ctx context.Context, recordName, address string, item T) error {
	if err := m.parentExists(ctx, recordName, address); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{recordName, address}
	if m.buckets[k] == nil {
		m.buckets[k] = map[K]T{}
	}
	m.buckets[k][m.keyOf(item)] = item
	return nil
}

// PutItem creates or replaces the item with the same key.
func (m *MemorySubItems[K, T]) PutItem(ctx context.Context, recordName, address string, item T) error {
	return m.CreateItem(ctx, recordName, address, item)
}

func (m *MemorySubItems[K, T]) GetItemByKey(ctx context.Context, recordName, address string, key K) (SubItem[T], error) {
	markers, err := m.parents.ParentMarkers(ctx, recordName, address)
	if err != nil {
		return SubItem[T]{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.buckets[recordKey{recordName, address}][key]
	if !ok {
		return SubItem[T]{}, ErrNotFound
	}
	return SubItem[T]{Item: item, ParentMarkers: markers}, nil
}

func (m *MemorySubItems[K, T]) DeleteItem(_ context.Context, recordName, address string, key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{recordName, address}
	if bucket, ok := m.buckets[k]; ok {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(m.buckets, k)
		}
	}
	return nil
}

// DeleteParent drops every child stored under the item at address.
func (m *MemorySubItems[K, T]) DeleteParent(_ context.Context, recordName, address string) error {
	m.mu.Lock()
	delete(m.buckets, recordKey{recordName, address})
	m.mu.Unlock()
	return nil
}

func (m *MemorySubItems[K, T]) ListItems(_ context.Context, recordName, address string) (Page[T], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.buckets[recordKey{recordName, address}]
	page := Page[T]{Items: make([]T, 0, len(bucket)), TotalCount: len(bucket)}
	for _, item := range bucket {
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func (m *MemorySubItems[K, T]) CountItems(_ context.Context, recordNames ...string) (Usage, error) {
	in := nameSet(recordNames)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var u Usage
	for k, bucket := range m.buckets {
		if _, ok := in[k.record]; !ok {
			continue
		}
		for _, item := range bucket {
			u.Items++
			u.Bytes += SizeOf(item)
		}
	}
	return u, nil
}
