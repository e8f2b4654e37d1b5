package realtime

import (
	"context"

	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

// Conn identifies the socket a message arrived on.
type Conn struct {
	ID        string
	IPAddress string
	Origin    string
}

// Collaborator is the real-time subsystem the socket dispatcher hands
// validated messages to. Calls for one connection never overlap.
type Collaborator interface {
	Login(ctx context.Context, conn Conn, requestID any, msg LoginMessage) error
	WatchBranch(ctx context.Context, conn Conn, requestID any, msg WatchBranchMessage) error
	UnwatchBranch(ctx context.Context, conn Conn, requestID any, msg UnwatchBranchMessage) error
	AddUpdates(ctx context.Context, conn Conn, requestID any, msg AddUpdatesMessage) error
	GetUpdates(ctx context.Context, conn Conn, requestID any, msg GetUpdatesMessage) error
	SendAction(ctx context.Context, conn Conn, requestID any, msg SendActionMessage) error
	WatchBranchDevices(ctx context.Context, conn Conn, requestID any, msg WatchBranchDevicesMessage) error
	UnwatchBranchDevices(ctx context.Context, conn Conn, requestID any, msg UnwatchBranchDevicesMessage) error
	ConnectionCount(ctx context.Context, conn Conn, requestID any, msg ConnectionCountMessage) error
	SyncTime(ctx context.Context, conn Conn, requestID any, msg SyncTimeMessage) error
	RequestMissingPermission(ctx context.Context, conn Conn, requestID any, msg PermissionRequestMessage) error
	RespondToPermissionRequest(ctx context.Context, conn Conn, requestID any, msg PermissionResponseMessage) error
	// UploadRequest issues a one-time handle the peer can upload an
	// oversized message to.
	UploadRequest(ctx context.Context, conn Conn, requestID any) error
	SendError(ctx context.Context, connID string, requestID any, failure *result.Failure) error
	Disconnect(ctx context.Context, connID string) error
}

// Messenger delivers one outbound message to a connection. Sending to a
// closed connection is a no-op.
type Messenger interface {
	Send(ctx context.Context, connID, msgType string, requestID any, payload any) error
}
