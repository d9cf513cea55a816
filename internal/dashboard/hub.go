/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package dashboard is the operator-facing surface of the platform: a
// websocket feed of runtime events and an aggregated health summary,
// served from the same agent shell every other service uses.
package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/justnews/fabric/internal/events"
)

const (
	// backlogSize is how many recent events a fresh connection replays
	// so the view is not blank until something happens.
	backlogSize = 50

	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one connected websocket viewer. The mutex guards writes:
// gorilla permits a single concurrent writer per connection.
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans runtime events out to connected websocket clients.
type Hub struct {
	events *events.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub wires the hub to an event bus.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		events:  bus,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// Run subscribes to the event bus and forwards every event to the
// connected clients until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	id := "dashboard-" + uuid.NewString()[:8]
	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

// HandleWS upgrades the request, replays the event backlog, and holds
// the connection open until the client goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("dashboard client connected",
		zap.String("client", c.id),
		zap.Int("clients", count))

	defer func() {
		h.mu.Lock()
		if h.clients[c.id] == c {
			delete(h.clients, c.id)
		}
		h.mu.Unlock()
		_ = conn.Close()
		h.logger.Info("dashboard client disconnected", zap.String("client", c.id))
	}()

	for _, ev := range h.events.Recent(backlogSize) {
		if err := c.write(ev.JSON()); err != nil {
			return
		}
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	go h.pingLoop(c)

	// Viewers only consume. The read loop exists to notice disconnects
	// and to keep pong frames flowing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	data := ev.JSON()

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			h.logger.Debug("dropping dashboard client",
				zap.String("client", c.id),
				zap.Error(err))
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// ClientCount reports how many viewers are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
