package crud

import (
	"context"
	"strings"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionList   Action = "list"
)

const (
	MarkerPublicRead = "publicRead"
	MarkerPrivate    = "private"
	// instanceMarkerPrefix scopes an item to callers acting from one inst.
	instanceMarkerPrefix = "inst:"
)

// RecordContext is the resolved authorization context of one call.
type RecordContext struct {
	RecordName       string
	OwnerID          string
	// StudioID is set for studio records; usage is metered per studio.
	StudioID         string
	StudioMembers    []string
	SubscriptionTier string
	// UserID is the caller; empty for anonymous callers.
	UserID string
	// Instances the caller is acting from.
	Instances []string
}

// RecordResolver turns a record key or name plus the caller into a
// RecordContext. It returns record_not_found or not_authorized failures.
// MeteredRecords names every record whose usage counts against the same
// subscription as rc, rc's own record included.
type RecordResolver interface {
	Resolve(ctx context.Context, recordKeyOrName, userID string) (RecordContext, *result.Failure)
	MeteredRecords(ctx context.Context, rc RecordContext) ([]string, error)
}

// AuthRequest is one access decision.
type AuthRequest struct {
	Record       RecordContext
	Action       Action
	ResourceKind string
	ResourceID   string
	Markers      []string
}

// Authorizer decides whether a call may proceed. A nil failure allows it.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthRequest) *result.Failure
}

// MarkerAuthorizer is the reference policy:
//   - the record owner and studio members may do anything;
//   - anyone may read or list items carrying publicRead;
//   - a caller acting from an inst may read and write items marked
//     inst:<name> for that inst.
type MarkerAuthorizer struct{}

func (MarkerAuthorizer) Authorize(_ context.Context, req AuthRequest) *result.Failure {
	rc := req.Record
	if rc.UserID != "" && (rc.UserID == rc.OwnerID || contains(rc.StudioMembers, rc.UserID)) {
		return nil
	}
	readOnly := req.Action == ActionRead || req.Action == ActionList
	for _, m := range req.Markers {
		if readOnly && m == MarkerPublicRead {
			return nil
		}
		if inst, ok := strings.CutPrefix(m, instanceMarkerPrefix); ok && contains(rc.Instances, inst) {
			return nil
		}
	}
	return denied(req)
}

func denied(req AuthRequest) *result.Failure {
	marker := ""
	for _, m := range req.Markers {
		marker = m
		break
	}
	role := "none"
	if req.Record.UserID == "" {
		role = "anonymous"
	}
	f := result.NotAuthorized(&result.Reason{
		Type:         "missing_permission",
		Action:       string(req.Action),
		ResourceKind: req.ResourceKind,
		ResourceID:   req.ResourceID,
		Marker:       marker,
		Role:         role,
	})
	if req.Record.UserID == "" {
		f.Code = result.CodeNotLoggedIn
		f.Message = "You must be logged in to perform this action."
	}
	return f
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// FeatureLimits is what one subscription tier allows for one resource kind.
// Zero limits mean unlimited.
type FeatureLimits struct {
	Allowed       bool  `yaml:"allowed" json:"allowed"`
	MaxItems      int   `yaml:"maxItems" json:"maxItems,omitempty"`
	MaxBytesTotal int64 `yaml:"maxBytesTotal" json:"maxBytesTotal,omitempty"`
	MaxItemBytes  int64 `yaml:"maxItemBytes" json:"maxItemBytes,omitempty"`
}

type Features interface {
	Limits(tier, feature string) FeatureLimits
}

// TierFeatures maps tier -> feature -> limits. Tiers without an entry use
// the "default" tier.
type TierFeatures map[string]map[string]FeatureLimits

const DefaultTier = "default"

func (t TierFeatures) Limits(tier, feature string) FeatureLimits {
	if limits, ok := t[tier][feature]; ok {
		return limits
	}
	return t[DefaultTier][feature]
}

// AllowAll grants every feature without limits.
type AllowAll struct{}

func (AllowAll) Limits(string, string) FeatureLimits { return FeatureLimits{Allowed: true} }
