// Package socket demultiplexes persistent socket connections into the
// real-time sub-protocols and tunnels HTTP requests into the HTTP
// dispatcher.
package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/httpx"
	"github.com/casual-simulation/casualos-sub007/pkg/metrics"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/realtime"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
	"github.com/casual-simulation/casualos-sub007/pkg/schema"
)

type EventKind int

const (
	Connect EventKind = iota
	Disconnect
	Message
)

func (k EventKind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Message:
		return "message"
	}
	return "unknown"
}

// Event is one frame of a connection's lifecycle.
type Event struct {
	Kind EventKind
	Conn realtime.Conn
	Body []byte
}

// HTTPDispatcher is the part of the HTTP dispatcher tunnelled requests
// re-enter.
type HTTPDispatcher interface {
	Dispatch(ctx context.Context, req *procedure.Request) frame.Response
	CheckRateLimit(ctx context.Context, ip, transport string) *result.Failure
	ScopeFor(host string) string
}

type Config struct {
	HTTP      HTTPDispatcher
	Realtime  realtime.Collaborator
	Messenger realtime.Messenger
	// Client fetches download_request payloads.
	Client *http.Client
	// DownloadPrefixes lists the URL prefixes download_request may fetch.
	// Empty disables downloads.
	DownloadPrefixes []string
	DownloadTimeout  time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Registry
}

type Dispatcher struct {
	http      HTTPDispatcher
	realtime  realtime.Collaborator
	messenger realtime.Messenger
	fetcher   *httpx.Fetcher
	prefixes  []string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Registry
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Realtime == nil {
		return nil, errors.New("socket: realtime collaborator is required")
	}
	if cfg.Messenger == nil {
		return nil, errors.New("socket: messenger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Second
	}
	return &Dispatcher{
		http:      cfg.HTTP,
		realtime:  cfg.Realtime,
		messenger: cfg.Messenger,
		fetcher:   httpx.NewFetcher(cfg.Client),
		prefixes:  cfg.DownloadPrefixes,
		timeout:   cfg.DownloadTimeout,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}, nil
}

// HandleEvent processes one lifecycle event. Callers must not overlap calls
// for the same connection.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt Event) error {
	switch evt.Kind {
	case Connect:
		d.logger.Info("socket connected", "connection", evt.Conn.ID, "ip", evt.Conn.IPAddress, "origin", evt.Conn.Origin)
		return nil
	case Disconnect:
		d.logger.Info("socket disconnected", "connection", evt.Conn.ID)
		return d.realtime.Disconnect(ctx, evt.Conn.ID)
	case Message:
		if d.http != nil {
			if f := d.http.CheckRateLimit(ctx, evt.Conn.IPAddress, "socket"); f != nil {
				return d.realtime.SendError(ctx, evt.Conn.ID, nil, f)
			}
		}
		return d.handleMessage(ctx, evt.Conn, evt.Body, 0)
	}
	return fmt.Errorf("socket: unknown event kind %d", evt.Kind)
}

// envelope is a parsed [type, requestId, payload] message.
type envelope struct {
	Type      string
	RequestID any
	Payload   map[string]any
}

// parseEnvelope returns false for anything without a usable type. Those
// messages have no reliable request id to address a reply to.
func parseEnvelope(body []byte) (envelope, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil || len(parts) < 2 {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(parts[0], &env.Type); err != nil || env.Type == "" {
		return envelope{}, false
	}
	if err := json.Unmarshal(parts[1], &env.RequestID); err != nil {
		return envelope{}, false
	}
	if len(parts) < 3 {
		env.Payload = map[string]any{}
		return env, true
	}
	dec := json.NewDecoder(bytes.NewReader(parts[2]))
	dec.UseNumber()
	if err := dec.Decode(&env.Payload); err != nil || env.Payload == nil {
		return envelope{}, false
	}
	return env, true
}

func (d *Dispatcher) handleMessage(ctx context.Context, conn realtime.Conn, body []byte, depth int) error {
	env, ok := parseEnvelope(body)
	if !ok {
		d.logger.Debug("dropping malformed socket message", "connection", conn.ID)
		return nil
	}
	sch, known := messageSchemas[env.Type]
	if !known {
		d.metrics.SocketMessage("unknown")
		return d.realtime.SendError(ctx, conn.ID, env.RequestID,
			result.Fail(result.CodeUnacceptableRequest, fmt.Sprintf("Unknown message type %q.", env.Type)))
	}
	d.metrics.SocketMessage(env.Type)
	data, issues := sch.ValidateData(env.Payload)
	if issues != nil {
		schema.SortIssues(issues)
		return d.realtime.SendError(ctx, conn.ID, env.RequestID, result.Invalid(issues))
	}
	return d.route(ctx, conn, env, data, depth)
}

func decodeAs[T any](data map[string]any) (T, error) {
	var msg T
	err := schema.Decode(data, &msg)
	return msg, err
}

func (d *Dispatcher) route(ctx context.Context, conn realtime.Conn, env envelope, data map[string]any, depth int) error {
	rt := d.realtime
	id := env.RequestID
	var err error
	switch env.Type {
	case realtime.TypeLogin:
		var m realtime.LoginMessage
		if m, err = decodeAs[realtime.LoginMessage](data); err == nil {
			return rt.Login(ctx, conn, id, m)
		}
	case realtime.TypeWatchBranch:
		var m realtime.WatchBranchMessage
		if m, err = decodeAs[realtime.WatchBranchMessage](data); err == nil {
			return rt.WatchBranch(ctx, conn, id, m)
		}
	case realtime.TypeUnwatchBranch:
		var m realtime.UnwatchBranchMessage
		if m, err = decodeAs[realtime.UnwatchBranchMessage](data); err == nil {
			return rt.UnwatchBranch(ctx, conn, id, m)
		}
	case realtime.TypeAddUpdates:
		var m realtime.AddUpdatesMessage
		if m, err = decodeAs[realtime.AddUpdatesMessage](data); err == nil {
			return rt.AddUpdates(ctx, conn, id, m)
		}
	case realtime.TypeGetUpdates:
		var m realtime.GetUpdatesMessage
		if m, err = decodeAs[realtime.GetUpdatesMessage](data); err == nil {
			return rt.GetUpdates(ctx, conn, id, m)
		}
	case realtime.TypeSendAction:
		var m realtime.SendActionMessage
		if m, err = decodeAs[realtime.SendActionMessage](data); err == nil {
			return rt.SendAction(ctx, conn, id, m)
		}
	case realtime.TypeWatchBranchDevices:
		var m realtime.WatchBranchDevicesMessage
		if m, err = decodeAs[realtime.WatchBranchDevicesMessage](data); err == nil {
			return rt.WatchBranchDevices(ctx, conn, id, m)
		}
	case realtime.TypeUnwatchBranchDevices:
		var m realtime.UnwatchBranchDevicesMessage
		if m, err = decodeAs[realtime.UnwatchBranchDevicesMessage](data); err == nil {
			return rt.UnwatchBranchDevices(ctx, conn, id, m)
		}
	case realtime.TypeConnectionCount:
		var m realtime.ConnectionCountMessage
		if m, err = decodeAs[realtime.ConnectionCountMessage](data); err == nil {
			return rt.ConnectionCount(ctx, conn, id, m)
		}
	case realtime.TypeSyncTime:
		var m realtime.SyncTimeMessage
		if m, err = decodeAs[realtime.SyncTimeMessage](data); err == nil {
			return rt.SyncTime(ctx, conn, id, m)
		}
	case realtime.TypePermissionRequest:
		var m realtime.PermissionRequestMessage
		if m, err = decodeAs[realtime.PermissionRequestMessage](data); err == nil {
			return rt.RequestMissingPermission(ctx, conn, id, m)
		}
	case realtime.TypePermissionRequestResponse:
		var m realtime.PermissionResponseMessage
		if m, err = decodeAs[realtime.PermissionResponseMessage](data); err == nil {
			return rt.RespondToPermissionRequest(ctx, conn, id, m)
		}
	case realtime.TypeUploadRequest:
		return rt.UploadRequest(ctx, conn, id)
	case realtime.TypeDownloadRequest:
		var m DownloadRequestMessage
		if m, err = decodeAs[DownloadRequestMessage](data); err == nil {
			return d.download(ctx, conn, id, m, depth)
		}
	case TypeHTTPRequest:
		var m HTTPRequestMessage
		if m, err = decodeAs[HTTPRequestMessage](data); err == nil {
			return d.tunnel(ctx, conn, id, m)
		}
	}
	d.logger.Warn("socket message failed to decode", "connection", conn.ID, "type", env.Type, "error", err)
	return d.realtime.SendError(ctx, conn.ID, id, result.Fail(result.CodeUnacceptableRequest, "The message could not be decoded."))
}

// tunnel re-enters the HTTP dispatcher and frames its response back onto
// the connection.
func (d *Dispatcher) tunnel(ctx context.Context, conn realtime.Conn, requestID any, msg HTTPRequestMessage) error {
	if d.http == nil {
		return d.realtime.SendError(ctx, conn.ID, requestID, result.Fail(result.CodeNotSupported, "HTTP requests are not supported on this connection."))
	}
	req := buildRequest(conn, msg.Request)
	req.Scope = d.http.ScopeFor(req.Host())
	resp := d.http.Dispatch(ctx, req)
	send := func(ctx context.Context, frameType string, payload any) error {
		d.metrics.SocketMessage(frameType)
		return d.messenger.Send(ctx, conn.ID, frameType, requestID, payload)
	}
	if err := frame.Socket(ctx, msg.ID, resp, send); err != nil {
		d.logger.Debug("tunnelled response dropped", "connection", conn.ID, "error", err)
	}
	return nil
}

func buildRequest(conn realtime.Conn, t TunnelledRequest) *procedure.Request {
	headers := http.Header{}
	for k, v := range t.Headers {
		headers.Set(k, v)
	}
	headers.Del("Origin")
	if conn.Origin != "" {
		headers.Set("Origin", conn.Origin)
	}
	query := url.Values{}
	for k, v := range t.Query {
		switch vv := v.(type) {
		case []any:
			for _, item := range vv {
				query.Add(k, fmt.Sprint(item))
			}
		case nil:
		default:
			query.Set(k, fmt.Sprint(vv))
		}
	}
	var body []byte
	if t.Body != nil {
		body = []byte(*t.Body)
	}
	return &procedure.Request{
		Method:    strings.ToUpper(t.Method),
		Path:      t.Path,
		Query:     query,
		Headers:   headers,
		Body:      body,
		IPAddress: conn.IPAddress,
		Tunnelled: true,
		Raw:       t,
	}
}

// download fetches a parked message and processes it as if it had arrived
// on the connection. Downloaded messages cannot trigger another download.
func (d *Dispatcher) download(ctx context.Context, conn realtime.Conn, requestID any, msg DownloadRequestMessage, depth int) error {
	if depth > 0 {
		return d.realtime.SendError(ctx, conn.ID, requestID, result.Fail(result.CodeUnacceptableRequest, "Downloaded messages cannot request further downloads."))
	}
	if !d.downloadAllowed(msg.DownloadURL) {
		return d.realtime.SendError(ctx, conn.ID, requestID, result.Fail(result.CodeNotSupported, "Downloads from this location are not supported."))
	}
	method := strings.ToUpper(msg.DownloadMethod)
	if method == "" {
		method = http.MethodGet
	}
	fetchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	got, err := d.fetcher.Fetch(fetchCtx, method, msg.DownloadURL, msg.DownloadHeaders)
	if err != nil {
		d.logger.Warn("message download failed", "connection", conn.ID, "error", err)
		return d.realtime.SendError(ctx, conn.ID, requestID, result.ServerError())
	}
	body := got.Body
	if !got.OK() || !json.Valid(body) {
		return d.realtime.SendError(ctx, conn.ID, requestID, result.Fail(result.CodeUnacceptableRequest, "The downloaded message could not be decoded."))
	}
	if _, ok := parseEnvelope(body); !ok {
		return d.realtime.SendError(ctx, conn.ID, requestID, result.Fail(result.CodeUnacceptableRequest, "The downloaded message could not be decoded."))
	}
	return d.handleMessage(ctx, conn, body, depth+1)
}

func (d *Dispatcher) downloadAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	for _, p := range d.prefixes {
		if p != "" && strings.HasPrefix(raw, p) {
			return true
		}
	}
	return false
}
