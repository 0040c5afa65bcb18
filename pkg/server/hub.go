// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the assistant over a websocket push channel.
// Every assistant event is broadcast to all connected clients; clients send
// commands and interrupts back.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jllopis/avva/pkg/assistant"
	"github.com/jllopis/avva/pkg/core"
)

// Commander runs a streamed command. *assistant.Assistant implements it.
type Commander interface {
	ProcessStream(ctx context.Context, command string, sink func(string), interrupt *assistant.Interrupt) assistant.Reply
}

// Hub tracks connected clients and fans events out to them. It implements
// core.EventEmitter so it can be handed to the assistant directly.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	commander Commander
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates an empty hub. The commander may be attached later with
// SetCommander, since the assistant usually needs the hub as its emitter.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetCommander attaches the command processor.
func (h *Hub) SetCommander(c Commander) {
	h.mu.Lock()
	h.commander = c
	h.mu.Unlock()
}

func (h *Hub) getCommander() Commander {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.commander
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", "client", c.ID, "clients", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.Close()
		h.logger.Info("client disconnected", "client", c.ID, "clients", n)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit implements core.EventEmitter.
func (h *Hub) Emit(_ context.Context, ev core.Event) {
	data, err := json.Marshal(outbound{
		Type:      string(ev.Type),
		RequestID: ev.RequestID,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	})
	if err != nil {
		h.logger.Error("event not serializable", "type", ev.Type, "error", err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			h.logger.Warn("dropping slow client", "client", c.ID, "error", err)
			h.unregister(c)
		}
	}
}

// Close disconnects every client and waits for running commands.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.wg.Wait()
}
