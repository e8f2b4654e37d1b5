package socket

import (
	"fmt"

	"github.com/casual-simulation/casualos-sub007/pkg/realtime"
	"github.com/casual-simulation/casualos-sub007/pkg/schema"
)

const (
	TypeHTTPRequest = "http_request"
)

const branchProps = `
	"recordName": {"type": ["string", "null"]},
	"inst": {"type": "string", "minLength": 1},
	"branch": {"type": "string", "minLength": 1}`

func branchSchema(extraProps string, required ...string) *schema.Schema {
	props := branchProps
	if extraProps != "" {
		props += "," + extraProps
	}
	req := `"inst", "branch"`
	for _, r := range required {
		req += fmt.Sprintf(", %q", r)
	}
	return schema.MustCompile(fmt.Sprintf(`{"type": "object", "properties": {%s}, "required": [%s]}`, props, req))
}

var messageSchemas = map[string]*schema.Schema{
	realtime.TypeLogin: schema.MustCompile(`{
		"type": "object",
		"properties": {
			"connectionId": {"type": "string", "minLength": 1},
			"sessionKey": {"type": "string"},
			"connectionToken": {"type": "string"}
		},
		"required": ["connectionId"]
	}`),
	realtime.TypeWatchBranch:   branchSchema(`"temporary": {"type": "boolean"}`),
	realtime.TypeUnwatchBranch: branchSchema(""),
	realtime.TypeAddUpdates: branchSchema(`
		"updates": {"type": "array", "items": {"type": "string"}},
		"updateId": {"type": "integer"}`, "updates"),
	realtime.TypeGetUpdates: branchSchema(""),
	realtime.TypeSendAction: branchSchema(`
		"action": {
			"type": "object",
			"properties": {
				"type": {"type": "string", "minLength": 1},
				"connectionId": {"type": "string"},
				"userId": {"type": "string"}
			},
			"required": ["type"]
		}`, "action"),
	realtime.TypeWatchBranchDevices:   branchSchema(""),
	realtime.TypeUnwatchBranchDevices: branchSchema(""),
	realtime.TypeConnectionCount: schema.MustCompile(`{
		"type": "object",
		"properties": {
			"recordName": {"type": ["string", "null"]},
			"inst": {"type": "string"},
			"branch": {"type": "string"}
		}
	}`),
	realtime.TypeSyncTime: schema.MustCompile(`{
		"type": "object",
		"properties": {
			"id": {"type": "integer"},
			"clientRequestTime": {"type": "integer"}
		},
		"required": ["id", "clientRequestTime"]
	}`),
	realtime.TypePermissionRequest: branchSchema(`"reason": {"type": "object"}`),
	realtime.TypePermissionRequestResponse: branchSchema(`
		"success": {"type": "boolean"},
		"originalRequestingConnectionId": {"type": "string", "minLength": 1},
		"errorCode": {"type": "string"},
		"errorMessage": {"type": "string"}`, "success", "originalRequestingConnectionId"),
	realtime.TypeUploadRequest: schema.MustCompile(`{"type": "object"}`),
	realtime.TypeDownloadRequest: schema.MustCompile(`{
		"type": "object",
		"properties": {
			"downloadUrl": {"type": "string", "minLength": 1},
			"downloadMethod": {"type": "string"},
			"downloadHeaders": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"required": ["downloadUrl"]
	}`),
	TypeHTTPRequest: schema.MustCompile(`{
		"type": "object",
		"properties": {
			"id": {"type": ["integer", "string"]},
			"request": {
				"type": "object",
				"properties": {
					"method": {"type": "string", "minLength": 1},
					"path": {"type": "string", "pattern": "^/"},
					"query": {"type": "object"},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}},
					"body": {"type": ["string", "null"]}
				},
				"required": ["method", "path"]
			}
		},
		"required": ["id", "request"]
	}`),
}

// HTTPRequestMessage is a tunnelled HTTP request.
type HTTPRequestMessage struct {
	ID      any              `json:"id"`
	Request TunnelledRequest `json:"request"`
}

type TunnelledRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]any    `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
}

// DownloadRequestMessage asks the server to fetch an oversized message
// the peer parked elsewhere.
type DownloadRequestMessage struct {
	DownloadURL     string            `json:"downloadUrl"`
	DownloadMethod  string            `json:"downloadMethod,omitempty"`
	DownloadHeaders map[string]string `json:"downloadHeaders,omitempty"`
}
