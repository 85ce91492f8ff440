package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"forgeline/internal/events"
)

const (
	streamSlack       = 256
	heartbeatInterval = 15 * time.Second
)

// streams serves the event bus over SSE and websocket.
type streams struct {
	bus    *events.Bus
	logger *zap.Logger
}

// subscription buffers bus deliveries for one client. The bus handler never
// blocks: a client that falls behind is marked overflowed and disconnected.
type subscription struct {
	ch       chan events.Event
	overflow chan struct{}
	once     sync.Once
	unsub    func()
}

func (s *streams) subscribe(f events.Filter, cursor int64) *subscription {
	sub := &subscription{
		ch:       make(chan events.Event, s.bus.Capacity()+streamSlack),
		overflow: make(chan struct{}),
	}
	sub.unsub = s.bus.SubscribeFrom(f, cursor, func(e events.Event) {
		select {
		case sub.ch <- e:
		default:
			sub.once.Do(func() { close(sub.overflow) })
		}
	})
	return sub
}

func parseFilter(r *http.Request) (events.Filter, int64, error) {
	q := r.URL.Query()
	f := events.Filter{ProjectID: q.Get("project_id"), RunID: q.Get("run_id")}
	for _, raw := range q["kind"] {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Kinds = append(f.Kinds, events.Kind(k))
			}
		}
	}
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = q.Get("last_event_id")
	}
	var cursor int64
	if raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return f, 0, fmt.Errorf("invalid last event id %q", raw)
		}
		cursor = v
	}
	return f, cursor, nil
}

func writeStreamError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{"error": apiErrorBody{Code: "bad_request", Message: err.Error()}})
}

func (s *streams) serveSSE(w http.ResponseWriter, r *http.Request) {
	f, cursor, err := parseFilter(r)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.bus.Stale(cursor) {
		fmt.Fprintf(w, ": cursor %d reset, replaying buffer\n\n", cursor)
		cursor = 0
	}
	if cursor > 0 {
		if oldest := s.bus.Oldest(); oldest > cursor+1 {
			fmt.Fprintf(w, ": events %d to %d were evicted\n\n", cursor+1, oldest-1)
		}
	}
	flusher.Flush()

	sub := s.subscribe(f, cursor)
	defer sub.unsub()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.overflow:
			s.logger.Warn("sse subscriber too slow, closing", zap.String("remote", r.RemoteAddr))
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-sub.ch:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("encode event", zap.Int64("event_id", e.ID), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *streams) serveWS(w http.ResponseWriter, r *http.Request) {
	f, cursor, err := parseFilter(r)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	// Inbound frames are ignored; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	sub := s.subscribe(f, cursor)
	defer sub.unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.overflow:
			conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			return
		case e := <-sub.ch:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				s.logger.Debug("websocket write", zap.Error(err))
				return
			}
		}
	}
}
