// Package crud implements record-scoped resource lifecycles shared by every
// resource kind: resolve the record, authorize against item markers, meter
// the subscription, transform, persist.
package crud

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/store"
)

// Caller identifies who is acting on a record.
type Caller struct {
	RecordKeyOrName string
	UserID          string
	Instances       []string
}

// RecordInfo is what a resolver knows about one record.
type RecordInfo struct {
	OwnerID          string   `yaml:"owner" json:"ownerId"`
	StudioID         string   `yaml:"studio" json:"studioId,omitempty"`
	StudioMembers    []string `yaml:"members" json:"studioMembers,omitempty"`
	SubscriptionTier string   `yaml:"tier" json:"subscriptionTier,omitempty"`
}

// MemoryRecords resolves records from a fixed table. A record named after
// the caller's user id that is not in the table is that user's personal
// record.
type MemoryRecords struct {
	DefaultTier string

	mu      sync.RWMutex
	records map[string]RecordInfo
}

func NewMemoryRecords(records map[string]RecordInfo) *MemoryRecords {
	m := &MemoryRecords{DefaultTier: DefaultTier, records: map[string]RecordInfo{}}
	for name, info := range records {
		m.records[name] = info
	}
	return m
}

func (m *MemoryRecords) Set(name string, info RecordInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[name] = info
}

func (m *MemoryRecords) Resolve(_ context.Context, recordKeyOrName, userID string) (RecordContext, *result.Failure) {
	name := strings.TrimSpace(recordKeyOrName)
	if name == "" {
		return RecordContext{}, result.Fail(result.CodeRecordNotFound, "The record was not found.")
	}
	m.mu.RLock()
	info, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		if userID == "" || name != userID {
			return RecordContext{}, result.Fail(result.CodeRecordNotFound, "The record was not found.")
		}
		info = RecordInfo{OwnerID: userID}
	}
	tier := info.SubscriptionTier
	if tier == "" {
		tier = m.DefaultTier
	}
	return RecordContext{
		RecordName:       name,
		OwnerID:          info.OwnerID,
		StudioID:         info.StudioID,
		StudioMembers:    info.StudioMembers,
		SubscriptionTier: tier,
		UserID:           userID,
	}, nil
}

// MeteredRecords lists the records sharing rc's subscription: every record
// of its studio, or every studio-less record of its owner including the
// owner's personal record.
func (m *MemoryRecords) MeteredRecords(_ context.Context, rc RecordContext) ([]string, error) {
	names := map[string]struct{}{rc.RecordName: {}}
	if rc.StudioID == "" && rc.OwnerID != "" {
		names[rc.OwnerID] = struct{}{}
	}
	m.mu.RLock()
	for name, info := range m.records {
		switch {
		case rc.StudioID != "":
			if info.StudioID == rc.StudioID {
				names[name] = struct{}{}
			}
		case rc.OwnerID != "":
			if info.StudioID == "" && info.OwnerID == rc.OwnerID {
				names[name] = struct{}{}
			}
		}
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// common holds the collaborators shared by Controller and SubController.
type common struct {
	kind     string
	feature  string
	records  RecordResolver
	policy   Authorizer
	features Features
	logger   *slog.Logger
}

func newCommon(kind, feature string, records RecordResolver, policy Authorizer, features Features, logger *slog.Logger) (common, error) {
	if kind == "" {
		return common{}, errors.New("crud: resource kind required")
	}
	if records == nil {
		return common{}, errors.New("crud: record resolver required")
	}
	if feature == "" {
		feature = kind
	}
	if policy == nil {
		policy = MarkerAuthorizer{}
	}
	if features == nil {
		features = AllowAll{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return common{kind: kind, feature: feature, records: records, policy: policy, features: features, logger: logger}, nil
}

func (c *common) resolve(ctx context.Context, caller Caller) (RecordContext, *result.Failure) {
	rc, f := c.records.Resolve(ctx, caller.RecordKeyOrName, caller.UserID)
	if f != nil {
		return RecordContext{}, f
	}
	rc.UserID = caller.UserID
	rc.Instances = caller.Instances
	return rc, nil
}

func (c *common) authorize(ctx context.Context, rc RecordContext, action Action, id string, markers []string) *result.Failure {
	return c.policy.Authorize(ctx, AuthRequest{
		Record:       rc,
		Action:       action,
		ResourceKind: c.kind,
		ResourceID:   id,
		Markers:      markers,
	})
}

// storeFailure maps a store error onto the failure reported to callers.
// Unexpected errors are logged and reported as server_error.
func (c *common) storeFailure(ctx context.Context, op string, err error) *result.Failure {
	switch {
	case errors.Is(err, store.ErrParentNotFound):
		return result.Fail(result.CodeParentNotFound, "The parent item was not found.")
	case errors.Is(err, store.ErrNotFound):
		return result.Fail(result.CodeDataNotFound, "The item was not found.")
	}
	var f *result.Failure
	if errors.As(err, &f) {
		return f
	}
	c.logger.ErrorContext(ctx, "store operation failed", "kind", c.kind, "op", op, "error", err)
	return result.ServerError()
}

func immutable() *result.Failure {
	return result.Fail(result.CodeActionNotSupported, "This item cannot be updated once it has been created.")
}

// ListResult is one page of items.
type ListResult[T any] struct {
	RecordName string `json:"recordName"`
	Items      []T    `json:"items"`
	TotalCount int    `json:"totalCount"`
	Marker     string `json:"marker,omitempty"`
}

// RecordResult identifies the item written by RecordItem.
type RecordResult struct {
	RecordName string `json:"recordName"`
	Address    string `json:"address"`
}

type ItemResult[T any] struct {
	Item T `json:"item"`
}

// Erased is the empty success value of erase operations.
type Erased struct{}
