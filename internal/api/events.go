package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/perfectstorm-io/storm/internal/eventlog"
	"github.com/perfectstorm-io/storm/internal/websocket"
)

const (
	// defaultEventCount bounds a history read with no explicit count.
	defaultEventCount = 128

	// keepAliveInterval is how often an idle stream emits a blank line so
	// the client can tell the connection is alive and the server can detect
	// a disconnect.
	keepAliveInterval = 10 * time.Second

	// streamBatch bounds how many events one poll forwards at a time.
	streamBatch = 256
)

// EventHandler serves the event log: historical paging, JSON-lines
// streaming, and the WebSocket feed.
type EventHandler struct {
	log    *eventlog.Log
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(log *eventlog.Log, hub *websocket.Hub, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		log:    log,
		hub:    hub,
		logger: logger.Named("event_handler"),
	}
}

// List handles GET /v1/events, dispatching to the stream on ?stream=true.
// Without stream: ?start=S&count=N returns the slice [S, S+N) as a JSON
// array; omitting start returns the newest N (default 128) events.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "true" {
		h.stream(w, r)
		return
	}

	count := defaultEventCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			ValidationFailed(w, map[string][]string{"count": {"must be a positive integer"}})
			return
		}
		count = n
	}

	if v := r.URL.Query().Get("start"); v != "" {
		start, err := strconv.ParseInt(v, 10, 64)
		if err != nil || start < 0 {
			ValidationFailed(w, map[string][]string{"start": {"must be a non-negative integer"}})
			return
		}
		events, err := h.log.Range(r.Context(), start, count)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		JSON(w, http.StatusOK, events)
		return
	}

	events, err := h.log.Tail(r.Context(), count)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, events)
}

// stream serves the JSON-lines tail. One blank line goes out immediately to
// flush headers; afterwards each event is one JSON object per line, with a
// blank keep-alive line whenever nothing happens for keepAliveInterval. The
// stream only ends when the client goes away.
func (h *EventHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Detail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("\n")); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()

	var lastSeen int64
	if v := r.URL.Query().Get("start"); v != "" {
		if start, err := strconv.ParseInt(v, 10, 64); err == nil && start > 0 {
			lastSeen = start - 1
		}
	} else {
		id, err := h.log.LastID(ctx)
		if err != nil {
			h.logger.Error("stream: read cursor", zap.Error(err))
			return
		}
		lastSeen = id
	}

	keepAlive := time.NewTimer(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		// Arm the wakeup before polling so an append landing between the
		// two is never missed.
		wakeup := h.log.Wait()

		events, err := h.log.After(ctx, lastSeen, streamBatch)
		if err != nil {
			// Cursor death: log and retry on the next wakeup rather than
			// closing the stream.
			h.logger.Warn("stream: poll failed", zap.Error(err))
			events = nil
		}

		for _, evt := range events {
			line, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("stream: marshal event", zap.Error(err))
				continue
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return
			}
			lastSeen = evt.ID
		}
		if len(events) > 0 {
			flusher.Flush()
			if !keepAlive.Stop() {
				select {
				case <-keepAlive.C:
				default:
				}
			}
			keepAlive.Reset(keepAliveInterval)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wakeup:
		case <-keepAlive.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
			keepAlive.Reset(keepAliveInterval)
		}
	}
}

// Feed handles GET /v1/events/ws: upgrade to WebSocket and push events as
// they are appended. ?topics= may repeat to subscribe to several topics; the
// default is the firehose.
func (h *EventHandler) Feed(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topics"]
	if len(topics) == 0 {
		topics = []string{websocket.TopicAll}
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
