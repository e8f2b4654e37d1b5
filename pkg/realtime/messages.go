// Package realtime holds the branch, device and permission sub-protocols
// carried over socket connections.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeLogin                     = "login"
	TypeWatchBranch               = "repo/watch_branch"
	TypeUnwatchBranch             = "repo/unwatch_branch"
	TypeAddUpdates                = "repo/add_updates"
	TypeGetUpdates                = "repo/get_updates"
	TypeSendAction                = "repo/send_action"
	TypeWatchBranchDevices        = "repo/watch_branch_devices"
	TypeUnwatchBranchDevices      = "repo/unwatch_branch_devices"
	TypeConnectionCount           = "repo/connection_count"
	TypeSyncTime                  = "sync/time"
	TypePermissionRequest         = "permission/request/missing"
	TypePermissionRequestResponse = "permission/request/missing/response"
	TypeUploadRequest             = "upload_request"
	TypeDownloadRequest           = "download_request"
)

// Outbound message types.
const (
	TypeLoginResult            = "login_result"
	TypeWatchBranchResult      = "repo/watch_branch_result"
	TypeUpdatesReceived        = "repo/updates_received"
	TypeReceiveAction          = "repo/receive_action"
	TypeConnectedToBranch      = "repo/connected_to_branch"
	TypeDisconnectedFromBranch = "repo/disconnected_from_branch"
	TypeSyncTimeResponse       = "sync/time/response"
	TypeUploadResponse         = "upload_response"
	TypeError                  = "error"
)

// Branch addresses one collaborative document stream. A nil RecordName
// means a public inst.
type Branch struct {
	RecordName *string `json:"recordName"`
	Inst       string  `json:"inst"`
	Branch     string  `json:"branch"`
}

func (b Branch) key() string {
	rec := "\x00"
	if b.RecordName != nil {
		rec = *b.RecordName
	}
	return fmt.Sprintf("%s/%s/%s", rec, b.Inst, b.Branch)
}

type LoginMessage struct {
	ConnectionID    string `json:"connectionId"`
	SessionKey      string `json:"sessionKey,omitempty"`
	ConnectionToken string `json:"connectionToken,omitempty"`
}

type WatchBranchMessage struct {
	Branch
	Temporary bool `json:"temporary,omitempty"`
}

type UnwatchBranchMessage struct {
	Branch
}

type AddUpdatesMessage struct {
	Branch
	Updates  []string `json:"updates"`
	UpdateID int      `json:"updateId,omitempty"`
}

type GetUpdatesMessage struct {
	Branch
}

// DeviceAction targets other connections on the branch. Exactly one of the
// selectors may be set; none means broadcast.
type DeviceAction struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Event        json.RawMessage `json:"event"`
}

type SendActionMessage struct {
	Branch
	Action DeviceAction `json:"action"`
}

type WatchBranchDevicesMessage struct {
	Branch
}

type UnwatchBranchDevicesMessage struct {
	Branch
}

type ConnectionCountMessage struct {
	RecordName *string `json:"recordName"`
	Inst       string  `json:"inst,omitempty"`
	Branch     string  `json:"branch,omitempty"`
}

type SyncTimeMessage struct {
	ID                int   `json:"id"`
	ClientRequestTime int64 `json:"clientRequestTime"`
}

type PermissionRequestMessage struct {
	Branch
	Reason json.RawMessage `json:"reason,omitempty"`
}

type PermissionResponseMessage struct {
	Branch
	Success                        bool   `json:"success"`
	OriginalRequestingConnectionID string `json:"originalRequestingConnectionId"`
	ErrorCode                      string `json:"errorCode,omitempty"`
	ErrorMessage                   string `json:"errorMessage,omitempty"`
}

// ConnectionInfo identifies a logged in connection to other peers.
type ConnectionInfo struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
}
