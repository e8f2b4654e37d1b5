package dispatch

import (
	"net/http"
	"strings"

	"github.com/casual-simulation/casualos-sub007/pkg/frame"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
)

var baseAllowedHeaders = []string{"Content-Type", "Authorization"}

// preflight answers OPTIONS without touching the route table. The actual
// request is still subject to the procedure's origin policy.
func (d *Dispatcher) preflight(req *procedure.Request) frame.Response {
	h := http.Header{}
	allowOrigin := req.Origin()
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Max-Age", "600")

	if strings.HasPrefix(req.Path, FileRecordsPrefix) {
		h.Set("Access-Control-Allow-Methods", "POST, PUT, GET, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", strings.Join(d.uploadHeaders(), ", "))
	} else {
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", strings.Join(baseAllowedHeaders, ", "))
	}
	return frame.Response{StatusCode: http.StatusNoContent, Headers: h}
}

func (d *Dispatcher) uploadHeaders() []string {
	out := append([]string(nil), baseAllowedHeaders...)
	seen := map[string]struct{}{}
	for _, h := range out {
		seen[strings.ToLower(h)] = struct{}{}
	}
	if d.uploads == nil {
		return out
	}
	for _, h := range d.uploads.RequiredHeaders() {
		h = strings.TrimSpace(h)
		key := strings.ToLower(h)
		if _, ok := seen[key]; ok || h == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}
