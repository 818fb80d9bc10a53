package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/strandapp/strand/internal/config"
)

// ServerState describes the lifecycle of a managed MCP server.
type ServerState string

const (
	StateStopped  ServerState = "stopped"
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateFailed   ServerState = "failed"
)

// ServerStatus is a snapshot of one server's state.
type ServerStatus struct {
	Name      string
	State     ServerState
	ToolCount int
	Err       error
}

// Manager owns the configured MCP servers and routes tool calls to them.
type Manager struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]*Client
	status  map[string]*ServerStatus
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		clients: make(map[string]*Client),
		status:  make(map[string]*ServerStatus),
	}
}

// StartAll launches every enabled server from the configuration. Failures
// are recorded per server and do not stop the others.
func (m *Manager) StartAll(ctx context.Context, servers map[string]config.MCPServer) {
	for name, cfg := range servers {
		if !cfg.Enabled {
			continue
		}
		m.startServer(ctx, name, cfg)
	}
}

func (m *Manager) startServer(ctx context.Context, name string, cfg config.MCPServer) {
	m.mu.Lock()
	if existing, ok := m.clients[name]; ok && existing.IsRunning() {
		m.mu.Unlock()
		return
	}
	client := NewClient(name, cfg)
	m.clients[name] = client
	m.status[name] = &ServerStatus{Name: name, State: StateStarting}
	m.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		m.logger.Warn("MCP server failed to start", "server", name, "error", err)
		m.setStatus(name, &ServerStatus{Name: name, State: StateFailed, Err: err})
		return
	}

	tools := client.Tools()
	m.logger.Debug("MCP server started", "server", name, "tools", len(tools))
	m.setStatus(name, &ServerStatus{Name: name, State: StateRunning, ToolCount: len(tools)})
}

func (m *Manager) setStatus(name string, s *ServerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[name] = s
}

// StopAll shuts down every running server.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Stop(); err != nil {
			m.logger.Warn("MCP server stop failed", "server", c.Name(), "error", err)
		}
		m.setStatus(c.Name(), &ServerStatus{Name: c.Name(), State: StateStopped})
	}
}

// Statuses returns a snapshot of every known server, sorted by name.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.status))
	for _, s := range m.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllTools returns every tool across running servers along with the
// owning server name. Tool names are qualified server.tool to avoid
// collisions between servers.
func (m *Manager) AllTools() []QualifiedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []QualifiedTool
	for name, client := range m.clients {
		if !client.IsRunning() {
			continue
		}
		for _, spec := range client.Tools() {
			out = append(out, QualifiedTool{
				Server: name,
				Spec:   spec,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// QualifiedTool pairs a tool spec with its owning server.
type QualifiedTool struct {
	Server string
	Spec   ToolSpec
}

func (q QualifiedTool) QualifiedName() string {
	return q.Server + "." + q.Spec.Name
}

// CallTool routes a call to the named server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (string, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown MCP server %q", server)
	}
	return client.CallTool(ctx, tool, args)
}
