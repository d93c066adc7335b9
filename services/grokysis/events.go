// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grokysis

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/grokysis/services/grokysis/kb"
	"github.com/AleutianAI/grokysis/services/grokysis/session"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
)

var (
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grokysis_events_dropped_total",
		Help: "Events dropped because a websocket client was too slow.",
	})
	eventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grokysis_event_clients",
		Help: "Connected websocket event clients.",
	})
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventHub fans session changes and symbol dirty notifications out to
// websocket clients.
//
// Thread Safety:
//
//	Safe for concurrent use. A client whose buffer is full misses events
//	rather than blocking the publisher.
type EventHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan Event]struct{}
	closed  bool

	unsubs []func()
}

// NewEventHub subscribes to manager and its knowledge base.
func NewEventHub(manager *session.SessionManager, logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &EventHub{
		logger:  logger.With("component", "events"),
		clients: make(map[chan Event]struct{}),
	}
	knowledge := manager.KB()
	h.unsubs = append(h.unsubs,
		manager.Subscribe(func(c session.Change) {
			h.Publish(Event{Type: EventSession, Change: &c})
		}),
		knowledge.Subscribe(func(sym *kb.SymbolInfo) {
			snap := knowledge.Snapshot(sym)
			h.Publish(Event{Type: EventSymbol, Symbol: &snap})
		}),
	)
	return h
}

// Publish sends ev to every client without blocking.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			eventsDropped.Inc()
		}
	}
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) register() (chan Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan Event, clientBuffer)
	h.clients[ch] = struct{}{}
	eventClients.Inc()
	return ch, true
}

func (h *EventHub) unregister(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
		eventClients.Dec()
	}
}

// Close unsubscribes from the session and disconnects every client.
func (h *EventHub) Close() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
		eventClients.Dec()
	}
}

// HandleEvents handles GET /v1/grokysis/events.
//
// Description:
//
//	Upgrades to a websocket and streams Event messages until the client
//	disconnects or the hub closes. Incoming messages are ignored.
func (h *EventHub) HandleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ch, ok := h.register()
	if !ok {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		return
	}
	defer h.unregister(ch)
	h.logger.Debug("event client connected", "remote", c.Request.RemoteAddr)

	// Reader: consume control frames, detect disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				h.logger.Debug("event write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
