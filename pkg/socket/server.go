package socket

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/casual-simulation/casualos-sub007/pkg/httpx"
	"github.com/casual-simulation/casualos-sub007/pkg/metrics"
	"github.com/casual-simulation/casualos-sub007/pkg/realtime"
)

// Server accepts websocket connections and feeds their frames to a
// Dispatcher one at a time.
type Server struct {
	Dispatcher *Dispatcher
	Registry   *Registry
	// OriginPatterns is passed to websocket.Accept. Empty means same host
	// only.
	OriginPatterns []string
	TrustedProxies httpx.Proxies
	ReadLimit      int64
	WriteTimeout   time.Duration
	QueueSize      int
	Logger         *slog.Logger
	Metrics        *metrics.Registry
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil || s.Registry == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "socket unavailable")
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.OriginPatterns})
	if err != nil {
		logger.Debug("websocket accept failed", "error", err)
		return
	}
	if s.ReadLimit > 0 {
		c.SetReadLimit(s.ReadLimit)
	}
	writeTimeout := s.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Handlers outlive the connection: a disconnect stops reading but lets
	// in-flight work finish.
	work := context.WithoutCancel(ctx)

	conn := realtime.Conn{
		ID:        uuid.NewString(),
		IPAddress: httpx.ClientIP(r, s.TrustedProxies),
		Origin:    r.Header.Get("Origin"),
	}
	out, done := s.Registry.Register(conn.ID, s.QueueSize)
	s.Metrics.ConnectionOpened()
	defer s.Metrics.ConnectionClosed()

	_ = s.Dispatcher.HandleEvent(work, Event{Kind: Connect, Conn: conn})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			if err := s.Dispatcher.HandleEvent(work, Event{Kind: Message, Conn: conn, Body: data}); err != nil {
				logger.Warn("socket message failed", "connection", conn.ID, "error", err)
			}
		}
	}()

	defer func() {
		cancel()
		s.Registry.Unregister(conn.ID)
		<-readDone
		_ = s.Dispatcher.HandleEvent(work, Event{Kind: Disconnect, Conn: conn})
	}()
	for {
		select {
		case <-readDone:
			_ = c.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-done:
			_ = c.Close(websocket.StatusNormalClosure, "closed")
			return
		case msg := <-out:
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c, msg.Envelope())
			cancelWrite()
			if err != nil {
				_ = c.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
