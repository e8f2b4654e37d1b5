package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/session"
)

// HandleStore records issued upload handles.
type HandleStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type HubConfig struct {
	Messenger Messenger
	Sessions  session.Validator
	Uploads   HandleStore
	// UploadBaseURL prefixes issued upload handles. Empty disables uploads.
	UploadBaseURL string
	UploadTTL     time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Hub is an in-memory Collaborator. Branch contents are opaque update
// strings; merging them is the clients' concern.
type Hub struct {
	cfg HubConfig

	mu       sync.Mutex
	conns    map[string]*connState
	branches map[string]*branchState
}

type connState struct {
	info     ConnectionInfo
	loggedIn bool
	watching map[string]struct{}
	devices  map[string]struct{}
}

type branchState struct {
	branch         Branch
	temporary      bool
	updates        []string
	watchers       map[string]struct{}
	deviceWatchers map[string]struct{}
}

type outbound struct {
	conn      string
	msgType   string
	requestID any
	payload   any
}

var _ Collaborator = (*Hub)(nil)

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = 5 * time.Minute
	}
	return &Hub{
		cfg:      cfg,
		conns:    map[string]*connState{},
		branches: map[string]*branchState{},
	}
}

func (h *Hub) flush(ctx context.Context, msgs []outbound) {
	if h.cfg.Messenger == nil {
		return
	}
	for _, m := range msgs {
		if err := h.cfg.Messenger.Send(ctx, m.conn, m.msgType, m.requestID, m.payload); err != nil {
			h.cfg.Logger.Debug("realtime send failed", "connection", m.conn, "type", m.msgType, "error", err)
		}
	}
}

func (h *Hub) SendError(ctx context.Context, connID string, requestID any, failure *result.Failure) error {
	h.flush(ctx, []outbound{{connID, TypeError, requestID, failure}})
	return nil
}

func (h *Hub) Login(ctx context.Context, conn Conn, requestID any, msg LoginMessage) error {
	info := ConnectionInfo{ConnectionID: msg.ConnectionID}
	if msg.SessionKey != "" && h.cfg.Sessions != nil {
		v := h.cfg.Sessions.Validate(ctx, msg.SessionKey)
		if v.Status == session.Invalid {
			return h.SendError(ctx, conn.ID, requestID, result.Fail(result.CodeUnacceptableSessionKey, "The session key is invalid."))
		}
		info.UserID = v.UserID
	}
	h.mu.Lock()
	c := h.connLocked(conn.ID)
	c.info = info
	c.loggedIn = true
	h.mu.Unlock()
	h.flush(ctx, []outbound{{conn.ID, TypeLoginResult, requestID, map[string]any{"success": true, "info": info}}})
	return nil
}

func (h *Hub) connLocked(id string) *connState {
	c, ok := h.conns[id]
	if !ok {
		c = &connState{
			info:     ConnectionInfo{ConnectionID: id},
			watching: map[string]struct{}{},
			devices:  map[string]struct{}{},
		}
		h.conns[id] = c
	}
	return c
}

func (h *Hub) branchLocked(b Branch) *branchState {
	k := b.key()
	s, ok := h.branches[k]
	if !ok {
		s = &branchState{branch: b, watchers: map[string]struct{}{}, deviceWatchers: map[string]struct{}{}}
		h.branches[k] = s
	}
	return s
}

// requireLogin reports a not_logged_in failure for connections that have
// not completed login.
func (h *Hub) requireLogin(ctx context.Context, connID string, requestID any, b *Branch) (*connState, bool) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	loggedIn := ok && c.loggedIn
	anonymous := !ok || c.info.UserID == ""
	h.mu.Unlock()
	if !loggedIn {
		_ = h.SendError(ctx, connID, requestID, result.Fail(result.CodeNotLoggedIn, "The connection must login before using this operation."))
		return nil, false
	}
	if b != nil && b.RecordName != nil && anonymous {
		_ = h.SendError(ctx, connID, requestID, result.Fail(result.CodeNotLoggedIn, "A user must be logged in to access record insts."))
		return nil, false
	}
	return c, true
}

func (h *Hub) WatchBranch(ctx context.Context, conn Conn, requestID any, msg WatchBranchMessage) error {
	if _, ok := h.requireLogin(ctx, conn.ID, requestID, &msg.Branch); !ok {
		return nil
	}
	h.mu.Lock()
	c := h.conns[conn.ID]
	b := h.branchLocked(msg.Branch)
	if len(b.watchers) == 0 {
		b.temporary = msg.Temporary
	}
	b.watchers[conn.ID] = struct{}{}
	c.watching[msg.Branch.key()] = struct{}{}
	msgs := []outbound{
		{conn.ID, TypeAddUpdates, requestID, map[string]any{
			"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch,
			"updates": append([]string{}, b.updates...), "initial": true,
		}},
	}
	msgs = append(msgs, h.deviceEventsLocked(b, TypeConnectedToBranch, c.info)...)
	msgs = append(msgs, outbound{conn.ID, TypeWatchBranchResult, requestID, map[string]any{
		"success": true, "recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch,
	}})
	h.mu.Unlock()
	h.flush(ctx, msgs)
	return nil
}

func (h *Hub) deviceEventsLocked(b *branchState, msgType string, info ConnectionInfo) []outbound {
	out := make([]outbound, 0, len(b.deviceWatchers))
	for _, id := range sortedKeys(b.deviceWatchers) {
		out = append(out, outbound{id, msgType, nil, map[string]any{
			"broadcast": false,
			"branch":    map[string]any{"recordName": b.branch.RecordName, "inst": b.branch.Inst, "branch": b.branch.Branch, "temporary": b.temporary},
			"connection": info,
		}})
	}
	return out
}

func (h *Hub) UnwatchBranch(ctx context.Context, conn Conn, requestID any, msg UnwatchBranchMessage) error {
	h.mu.Lock()
	msgs := h.unwatchLocked(conn.ID, msg.Branch.key())
	h.mu.Unlock()
	h.flush(ctx, msgs)
	return nil
}

func (h *Hub) unwatchLocked(connID, key string) []outbound {
	b, ok := h.branches[key]
	if !ok {
		return nil
	}
	if _, watching := b.watchers[connID]; !watching {
		return nil
	}
	delete(b.watchers, connID)
	info := ConnectionInfo{ConnectionID: connID}
	if c, ok := h.conns[connID]; ok {
		delete(c.watching, key)
		info = c.info
	}
	msgs := h.deviceEventsLocked(b, TypeDisconnectedFromBranch, info)
	h.gcLocked(key, b)
	return msgs
}

// gcLocked drops a branch nobody watches. Temporary branches also lose their
// updates at that point.
func (h *Hub) gcLocked(key string, b *branchState) {
	if len(b.watchers) > 0 || len(b.deviceWatchers) > 0 {
		return
	}
	if b.temporary || len(b.updates) == 0 {
		delete(h.branches, key)
	}
}

func (h *Hub) AddUpdates(ctx context.Context, conn Conn, requestID any, msg AddUpdatesMessage) error {
	if _, ok := h.requireLogin(ctx, conn.ID, requestID, &msg.Branch); !ok {
		return nil
	}
	h.mu.Lock()
	b := h.branchLocked(msg.Branch)
	b.updates = append(b.updates, msg.Updates...)
	msgs := []outbound{}
	for _, id := range sortedKeys(b.watchers) {
		if id == conn.ID {
			continue
		}
		msgs = append(msgs, outbound{id, TypeAddUpdates, nil, map[string]any{
			"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch, "updates": msg.Updates,
		}})
	}
	msgs = append(msgs, outbound{conn.ID, TypeUpdatesReceived, requestID, map[string]any{
		"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch, "updateId": msg.UpdateID,
	}})
	h.mu.Unlock()
	h.flush(ctx, msgs)
	return nil
}

func (h *Hub) GetUpdates(ctx context.Context, conn Conn, requestID any, msg GetUpdatesMessage) error {
	h.mu.Lock()
	var updates []string
	if b, ok := h.branches[msg.Branch.key()]; ok {
		updates = append(updates, b.updates...)
	}
	h.mu.Unlock()
	if updates == nil {
		updates = []string{}
	}
	h.flush(ctx, []outbound{{conn.ID, TypeAddUpdates, requestID, map[string]any{
		"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch, "updates": updates,
	}}})
	return nil
}

func (h *Hub) SendAction(ctx context.Context, conn Conn, requestID any, msg SendActionMessage) error {
	if _, ok := h.requireLogin(ctx, conn.ID, requestID, &msg.Branch); !ok {
		return nil
	}
	h.mu.Lock()
	b, ok := h.branches[msg.Branch.key()]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	sender := h.conns[conn.ID].info
	event := msg.Action.Event
	if len(event) == 0 {
		event = json.RawMessage("null")
	}
	var msgs []outbound
	for _, id := range sortedKeys(b.watchers) {
		target := h.conns[id]
		switch {
		case msg.Action.ConnectionID != "" && id != msg.Action.ConnectionID:
			continue
		case msg.Action.UserID != "" && (target == nil || target.info.UserID != msg.Action.UserID):
			continue
		case msg.Action.ConnectionID == "" && msg.Action.UserID == "" && id == conn.ID:
			continue
		}
		msgs = append(msgs, outbound{id, TypeReceiveAction, nil, map[string]any{
			"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch,
			"action": map[string]any{"type": "device", "connection": sender, "event": event},
		}})
	}
	h.mu.Unlock()
	h.flush(ctx, msgs)
	return nil
}

func (h *Hub) WatchBranchDevices(ctx context.Context, conn Conn, requestID any, msg WatchBranchDevicesMessage) error {
	if _, ok := h.requireLogin(ctx, conn.ID, requestID, &msg.Branch); !ok {
		return nil
	}
	h.mu.Lock()
	b := h.branchLocked(msg.Branch)
	b.deviceWatchers[conn.ID] = struct{}{}
	h.conns[conn.ID].devices[msg.Branch.key()] = struct{}{}
	var msgs []outbound
	for _, id := range sortedKeys(b.watchers) {
		info := ConnectionInfo{ConnectionID: id}
		if c, ok := h.conns[id]; ok {
			info = c.info
		}
		msgs = append(msgs, outbound{conn.ID, TypeConnectedToBranch, requestID, map[string]any{
			"broadcast":  false,
			"branch":     map[string]any{"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch, "temporary": b.temporary},
			"connection": info,
		}})
	}
	h.mu.Unlock()
	h.flush(ctx, msgs)
	return nil
}

func (h *Hub) UnwatchBranchDevices(ctx context.Context, conn Conn, requestID any, msg UnwatchBranchDevicesMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := msg.Branch.key()
	if b, ok := h.branches[key]; ok {
		delete(b.deviceWatchers, conn.ID)
		h.gcLocked(key, b)
	}
	if c, ok := h.conns[conn.ID]; ok {
		delete(c.devices, key)
	}
	return nil
}

func (h *Hub) ConnectionCount(ctx context.Context, conn Conn, requestID any, msg ConnectionCountMessage) error {
	h.mu.Lock()
	seen := map[string]struct{}{}
	for _, b := range h.branches {
		if !sameRecord(b.branch.RecordName, msg.RecordName) {
			continue
		}
		if msg.Inst != "" && b.branch.Inst != msg.Inst {
			continue
		}
		if msg.Branch != "" && b.branch.Branch != msg.Branch {
			continue
		}
		for id := range b.watchers {
			seen[id] = struct{}{}
		}
	}
	h.mu.Unlock()
	h.flush(ctx, []outbound{{conn.ID, TypeConnectionCount, requestID, map[string]any{
		"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch, "count": len(seen),
	}}})
	return nil
}

func sameRecord(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (h *Hub) SyncTime(ctx context.Context, conn Conn, requestID any, msg SyncTimeMessage) error {
	received := h.cfg.Now().UnixMilli()
	h.flush(ctx, []outbound{{conn.ID, TypeSyncTimeResponse, requestID, map[string]any{
		"id":                 msg.ID,
		"clientRequestTime":  msg.ClientRequestTime,
		"serverReceiveTime":  received,
		"serverTransmitTime": h.cfg.Now().UnixMilli(),
	}}})
	return nil
}

// RequestMissingPermission relays a permission request to the connections
// watching the branch's devices.
func (h *Hub) RequestMissingPermission(ctx context.Context, conn Conn, requestID any, msg PermissionRequestMessage) error {
	if _, ok := h.requireLogin(ctx, conn.ID, requestID, nil); !ok {
		return nil
	}
	h.mu.Lock()
	requester := h.conns[conn.ID].info
	var targets []string
	if b, ok := h.branches[msg.Branch.key()]; ok {
		for _, id := range sortedKeys(b.deviceWatchers) {
			if id != conn.ID {
				targets = append(targets, id)
			}
		}
	}
	h.mu.Unlock()
	if len(targets) == 0 {
		return h.SendError(ctx, conn.ID, requestID, result.Fail(result.CodeNotSupported, "No connection is available to grant the permission."))
	}
	msgs := make([]outbound, 0, len(targets))
	for _, id := range targets {
		msgs = append(msgs, outbound{id, TypePermissionRequest, nil, map[string]any{
			"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch,
			"reason": msg.Reason, "connection": requester,
		}})
	}
	h.flush(ctx, msgs)
	return nil
}

func (h *Hub) RespondToPermissionRequest(ctx context.Context, conn Conn, requestID any, msg PermissionResponseMessage) error {
	if _, ok := h.requireLogin(ctx, conn.ID, requestID, nil); !ok {
		return nil
	}
	h.mu.Lock()
	_, exists := h.conns[msg.OriginalRequestingConnectionID]
	responder := h.conns[conn.ID].info
	h.mu.Unlock()
	if !exists {
		return nil
	}
	payload := map[string]any{
		"recordName": msg.RecordName, "inst": msg.Inst, "branch": msg.Branch.Branch,
		"success": msg.Success, "connection": responder,
	}
	if !msg.Success {
		payload["errorCode"] = msg.ErrorCode
		payload["errorMessage"] = msg.ErrorMessage
	}
	h.flush(ctx, []outbound{{msg.OriginalRequestingConnectionID, TypePermissionRequestResponse, nil, payload}})
	return nil
}

func (h *Hub) UploadRequest(ctx context.Context, conn Conn, requestID any) error {
	if h.cfg.UploadBaseURL == "" || h.cfg.Uploads == nil {
		return h.SendError(ctx, conn.ID, requestID, result.Fail(result.CodeNotSupported, "Message uploads are not supported."))
	}
	handle := uuid.NewString()
	if err := h.cfg.Uploads.Set(ctx, UploadHandleKey(handle), conn.ID, h.cfg.UploadTTL); err != nil {
		h.cfg.Logger.Error("store upload handle", "connection", conn.ID, "error", err)
		return h.SendError(ctx, conn.ID, requestID, result.ServerError())
	}
	h.flush(ctx, []outbound{{conn.ID, TypeUploadResponse, requestID, map[string]any{
		"id":            requestID,
		"uploadUrl":     strings.TrimRight(h.cfg.UploadBaseURL, "/") + "/" + handle,
		"uploadMethod":  "PUT",
		"uploadHeaders": map[string]string{"content-type": "application/json"},
	}}})
	return nil
}

// UploadHandleKey is the cache key of an issued upload handle.
func UploadHandleKey(handle string) string { return "upload:" + handle }

// Disconnect removes the connection from every branch and tells device
// watchers it left.
func (h *Hub) Disconnect(ctx context.Context, connID string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	var msgs []outbound
	for _, key := range sortedKeys(c.watching) {
		msgs = append(msgs, h.unwatchLocked(connID, key)...)
	}
	for key := range c.devices {
		if b, ok := h.branches[key]; ok {
			delete(b.deviceWatchers, connID)
			h.gcLocked(key, b)
		}
	}
	delete(h.conns, connID)
	h.mu.Unlock()

	filtered := msgs[:0]
	for _, m := range msgs {
		if m.conn != connID {
			filtered = append(filtered, m)
		}
	}
	h.flush(ctx, filtered)
	return nil
}

// Watchers returns the connections watching a branch, for diagnostics.
func (h *Hub) Watchers(b Branch) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.branches[b.key()]; ok {
		return sortedKeys(s.watchers)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
