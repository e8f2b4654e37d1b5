package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/realtime"
	"github.com/casual-simulation/casualos-sub007/pkg/result"
)

// recorder is a Collaborator and Messenger that remembers every call.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	errors []*result.Failure
	sent   []Outbound
	login  chan struct{}
}

func (r *recorder) note(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, []*result.Failure, []Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...), append([]*result.Failure{}, r.errors...), append([]Outbound{}, r.sent...)
}

func (r *recorder) Login(ctx context.Context, conn realtime.Conn, id any, m realtime.LoginMessage) error {
	if r.login != nil {
		<-r.login
	}
	r.note("login:" + m.ConnectionID)
	return nil
}
func (r *recorder) WatchBranch(ctx context.Context, conn realtime.Conn, id any, m realtime.WatchBranchMessage) error {
	r.note("watch:" + m.Branch.Branch)
	return nil
}
func (r *recorder) UnwatchBranch(ctx context.Context, conn realtime.Conn, id any, m realtime.UnwatchBranchMessage) error {
	r.note("unwatch")
	return nil
}
func (r *recorder) AddUpdates(ctx context.Context, conn realtime.Conn, id any, m realtime.AddUpdatesMessage) error {
	r.note("add_updates")
	return nil
}
func (r *recorder) GetUpdates(ctx context.Context, conn realtime.Conn, id any, m realtime.GetUpdatesMessage) error {
	r.note("get_updates")
	return nil
}
func (r *recorder) SendAction(ctx context.Context, conn realtime.Conn, id any, m realtime.SendActionMessage) error {
	r.note("send_action:" + m.Action.Type)
	return nil
}
func (r *recorder) WatchBranchDevices(ctx context.Context, conn realtime.Conn, id any, m realtime.WatchBranchDevicesMessage) error {
	r.note("watch_devices")
	return nil
}
func (r *recorder) UnwatchBranchDevices(ctx context.Context, conn realtime.Conn, id any, m realtime.UnwatchBranchDevicesMessage) error {
	r.note("unwatch_devices")
	return nil
}
func (r *recorder) ConnectionCount(ctx context.Context, conn realtime.Conn, id any, m realtime.ConnectionCountMessage) error {
	r.note("connection_count")
	return nil
}
func (r *recorder) SyncTime(ctx context.Context, conn realtime.Conn, id any, m realtime.SyncTimeMessage) error {
	r.note("sync_time")
	return nil
}
func (r *recorder) RequestMissingPermission(ctx context.Context, conn realtime.Conn, id any, m realtime.PermissionRequestMessage) error {
	r.note("permission_request")
	return nil
}
func (r *recorder) RespondToPermissionRequest(ctx context.Context, conn realtime.Conn, id any, m realtime.PermissionResponseMessage) error {
	r.note("permission_response")
	return nil
}
func (r *recorder) UploadRequest(ctx context.Context, conn realtime.Conn, id any) error {
	r.note("upload")
	return nil
}
func (r *recorder) SendError(ctx context.Context, connID string, id any, f *result.Failure) error {
	r.mu.Lock()
	r.errors = append(r.errors, f)
	r.mu.Unlock()
	return nil
}
func (r *recorder) Disconnect(ctx context.Context, connID string) error {
	r.note("disconnect")
	return nil
}
func (r *recorder) Send(ctx context.Context, connID, msgType string, id any, payload any) error {
	r.mu.Lock()
	r.sent = append(r.sent, Outbound{Type: msgType, RequestID: id, Payload: payload})
	r.mu.Unlock()
	return nil
}

type fakeHTTP struct {
	limited *result.Failure
	last    *procedure.Request
	resp    frame.Response
}

func (f *fakeHTTP) Dispatch(ctx context.Context, req *procedure.Request) frame.Response {
	f.last = req
	return f.resp
}
func (f *fakeHTTP) CheckRateLimit(ctx context.Context, ip, transport string) *result.Failure {
	return f.limited
}
func (f *fakeHTTP) ScopeFor(host string) string { return procedure.ScopeDefault }

func newDispatcher(t *testing.T, rec *recorder, h HTTPDispatcher, prefixes ...string) *Dispatcher {
	t.Helper()
	d, err := New(Config{HTTP: h, Realtime: rec, Messenger: rec, DownloadPrefixes: prefixes})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return d
}

func message(t *testing.T, d *Dispatcher, conn realtime.Conn, body string) {
	t.Helper()
	if err := d.HandleEvent(context.Background(), Event{Kind: Message, Conn: conn, Body: []byte(body)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestMalformedMessagesAreDroppedSilently(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(t, rec, &fakeHTTP{})
	conn := realtime.Conn{ID: "c1"}
	for _, body := range []string{`not json`, `{"type":"login"}`, `["login"]`, `[5, 1, {}]`, `["login", 1, "payload"]`, `["login", 1, [1,2]]`} {
		message(t, d, conn, body)
	}
	calls, errs, sent := rec.snapshot()
	if len(calls) != 0 || len(errs) != 0 || len(sent) != 0 {
		t.Fatalf("expected silence, got calls=%v errors=%v sent=%v", calls, errs, sent)
	}
}

func TestRateLimitedMessageGetsNotice(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(t, rec, &fakeHTTP{limited: result.RateLimitExceeded()})
	message(t, d, realtime.Conn{ID: "c1"}, `["login", 1, {"connectionId": "c1"}]`)
	calls, errs, _ := rec.snapshot()
	if len(calls) != 0 || len(errs) != 1 || errs[0].Code != result.CodeRateLimitExceeded {
		t.Fatalf("expected rate limit notice, got calls=%v errors=%v", calls, errs)
	}
}

func TestInvalidPayloadReportsIssues(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(t, rec, &fakeHTTP{})
	message(t, d, realtime.Conn{ID: "c1"}, `["repo/watch_branch", 2, {"inst": ""}]`)
	_, errs, _ := rec.snapshot()
	if len(errs) != 1 || errs[0].Code != result.CodeUnacceptableRequest || len(errs[0].Issues) < 2 {
		t.Fatalf("expected issue list, got %+v", errs)
	}
}

func TestUnknownTypeIsReported(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(t, rec, &fakeHTTP{})
	message(t, d, realtime.Conn{ID: "c1"}, `["repo/nope", 2, {}]`)
	_, errs, _ := rec.snapshot()
	if len(errs) != 1 || errs[0].Code != result.CodeUnacceptableRequest {
		t.Fatalf("expected unacceptable_request, got %+v", errs)
	}
}

func TestMessagesRouteToCollaborator(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(t, rec, &fakeHTTP{})
	conn := realtime.Conn{ID: "c1"}
	message(t, d, conn, `["login", 1, {"connectionId": "c1"}]`)
	message(t, d, conn, `["repo/watch_branch", 2, {"recordName": null, "inst": "i", "branch": "main"}]`)
	message(t, d, conn, `["repo/send_action", 3, {"inst": "i", "branch": "main", "action": {"type": "remote", "event": {"a": 1}}}]`)
	message(t, d, conn, `["sync/time", 4, {"id": 1, "clientRequestTime": 123}]`)
	message(t, d, conn, `["upload_request", 5]`)
	_ = d.HandleEvent(context.Background(), Event{Kind: Disconnect, Conn: conn})

	calls, errs, _ := rec.snapshot()
	want := []string{"login:c1", "watch:main", "send_action:remote", "sync_time", "upload", "disconnect"}
	if len(errs) != 0 || len(calls) != len(want) {
		t.Fatalf("unexpected calls %v errors %v", calls, errs)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d: want %s got %s", i, want[i], calls[i])
		}
	}
}

func TestHTTPRequestTunnelsStreamAsPartialFrames(t *testing.T) {
	rec := &recorder{}
	h := &fakeHTTP{resp: frame.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {frame.ContentTypeNDJSON}},
		Body:       frame.FromValues(map[string]any{"success": true}, 1, 2, 3),
	}}
	d := newDispatcher(t, rec, h)
	conn := realtime.Conn{ID: "c1", Origin: "https://socket.example.com", IPAddress: "10.0.0.1"}
	message(t, d, conn, `["http_request", 9, {"id": 4, "request": {"method": "post", "path": "/api/v2/data", "headers": {"origin": "https://evil.example.com", "x-thing": "y"}, "body": "{}", "query": {"a": 1}}}]`)

	if h.last == nil {
		t.Fatalf("expected dispatch")
	}
	if h.last.Origin() != "https://socket.example.com" || h.last.Headers.Get("X-Thing") != "y" {
		t.Fatalf("unexpected headers %v", h.last.Headers)
	}
	if !h.last.Tunnelled || h.last.Method != http.MethodPost || h.last.Query.Get("a") != "1" || h.last.IPAddress != "10.0.0.1" {
		t.Fatalf("unexpected request %+v", h.last)
	}

	_, _, sent := rec.snapshot()
	if len(sent) != 4 {
		t.Fatalf("expected 4 partial frames, got %d", len(sent))
	}
	for i, o := range sent {
		f, ok := o.Payload.(frame.HTTPPartialResponseFrame)
		if !ok || o.Type != frame.TypeHTTPPartialResponse {
			t.Fatalf("frame %d: unexpected %T %s", i, o.Payload, o.Type)
		}
		if f.Index != i || f.Final != (i == len(sent)-1) {
			t.Fatalf("frame %d: index=%d final=%v", i, f.Index, f.Final)
		}
		if (i == 0) != (f.Response.StatusCode != 0) {
			t.Fatalf("frame %d: status metadata misplaced", i)
		}
	}
}

func TestHTTPRequestSingleResponse(t *testing.T) {
	rec := &recorder{}
	h := &fakeHTTP{resp: frame.Format(result.OperationNotFound(), nil)}
	d := newDispatcher(t, rec, h)
	message(t, d, realtime.Conn{ID: "c1"}, `["http_request", 1, {"id": "abc", "request": {"method": "GET", "path": "/missing"}}]`)
	_, _, sent := rec.snapshot()
	if len(sent) != 1 || sent[0].Type != frame.TypeHTTPResponse {
		t.Fatalf("expected one http_response, got %+v", sent)
	}
	f := sent[0].Payload.(frame.HTTPResponseFrame)
	if f.ID != "abc" || f.Response.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestDownloadRequestRedispatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`["repo/watch_branch", 3, {"inst": "i", "branch": "big"}]`))
		case "/nested":
			b, _ := json.Marshal([]any{"download_request", 4, map[string]any{"downloadUrl": "http://" + r.Host + "/ok"}})
			_, _ = w.Write(b)
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	d := newDispatcher(t, rec, &fakeHTTP{}, srv.URL+"/")
	conn := realtime.Conn{ID: "c1"}
	message(t, d, conn, `["download_request", 1, {"downloadUrl": "`+srv.URL+`/ok"}]`)
	message(t, d, conn, `["download_request", 2, {"downloadUrl": "`+srv.URL+`/bad"}]`)
	message(t, d, conn, `["download_request", 3, {"downloadUrl": "`+srv.URL+`/nested"}]`)
	message(t, d, conn, `["download_request", 4, {"downloadUrl": "https://elsewhere.example.com/x"}]`)

	calls, errs, _ := rec.snapshot()
	if len(calls) != 1 || calls[0] != "watch:big" {
		t.Fatalf("unexpected calls %v", calls)
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %+v", errs)
	}
	if errs[0].Code != result.CodeUnacceptableRequest || errs[1].Code != result.CodeUnacceptableRequest || errs[2].Code != result.CodeNotSupported {
		t.Fatalf("unexpected codes %s %s %s", errs[0].Code, errs[1].Code, errs[2].Code)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without realtime collaborator")
	}
	if _, err := New(Config{Realtime: &recorder{}}); err == nil {
		t.Fatalf("expected error without messenger")
	}
}
