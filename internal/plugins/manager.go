package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/botflow/internal/actions"
	"github.com/rendis/botflow/pkg/schema"
)

const defaultCallTimeout = 30 * time.Second

// Config describes an MCP server whose tools become workflow actions under
// the "<name>." prefix.
type Config struct {
	Name    string        `mapstructure:"name"`
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Env     []string      `mapstructure:"env"`
	Timeout time.Duration `mapstructure:"timeout"` // per tool call; zero means 30s
}

// Manager connects to plugin MCP servers and registers their tools in an
// action registry.
type Manager struct {
	registry *actions.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*plugin
}

type plugin struct {
	name    string
	client  *client.Client
	tools   []mcp.Tool
	timeout time.Duration
}

// NewManager creates a Manager registering into registry.
func NewManager(registry *actions.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		logger:   logger.With(slog.String("component", "plugins")),
		plugins:  make(map[string]*plugin),
	}
}

// Load launches the plugin's MCP server as a subprocess and registers its
// tools. It returns the number of actions added.
func (m *Manager) Load(ctx context.Context, cfg Config) (int, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin needs a name and a command")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return 0, fmt.Errorf("start plugin %q: %w", cfg.Name, err)
	}
	n, err := m.Attach(ctx, cfg.Name, c, cfg.Timeout)
	if err != nil {
		_ = c.Close()
		return 0, err
	}
	return n, nil
}

// Attach initializes an already started MCP client and registers its tools.
func (m *Manager) Attach(ctx context.Context, name string, c *client.Client, timeout time.Duration) (int, error) {
	m.mu.RLock()
	_, exists := m.plugins[name]
	m.mu.RUnlock()
	if exists {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", name)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "botflow", Version: "1.0.0"}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.Initialize(initCtx, initReq); err != nil {
		return 0, fmt.Errorf("handshake with plugin %q: %w", name, err)
	}
	listed, err := c.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("list tools of plugin %q: %w", name, err)
	}

	p := &plugin{name: name, client: c, tools: listed.Tools, timeout: timeout}
	acts := make([]actions.Action, 0, len(p.tools))
	for _, t := range p.tools {
		acts = append(acts, &toolAction{tool: t, plugin: p})
	}
	n, err := m.registry.RegisterNamespace(name, acts)
	if err != nil {
		return 0, fmt.Errorf("register plugin actions: %w", err)
	}

	m.mu.Lock()
	m.plugins[name] = p
	m.mu.Unlock()

	m.logger.Info("plugin loaded", slog.String("plugin", name), slog.Int("actions", n))
	return n, nil
}

// Health pings every plugin and reports "healthy" or the ping error.
func (m *Manager) Health(ctx context.Context) map[string]string {
	m.mu.RLock()
	ps := make([]*plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		ps = append(ps, p)
	}
	m.mu.RUnlock()

	out := make(map[string]string, len(ps))
	for _, p := range ps {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.client.Ping(pingCtx); err != nil {
			out[p.name] = err.Error()
		} else {
			out[p.name] = "healthy"
		}
		cancel()
	}
	return out
}

// Names returns the loaded plugin names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for n := range m.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close disconnects every plugin. Registered actions stay in the registry
// and fail once their plugin is gone.
func (m *Manager) Close() error {
	m.mu.Lock()
	ps := m.plugins
	m.plugins = make(map[string]*plugin)
	m.mu.Unlock()

	var firstErr error
	for name, p := range ps {
		if err := p.client.Close(); err != nil {
			m.logger.Warn("close plugin", slog.String("plugin", name), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// toolAction exposes one plugin tool as an Action.
type toolAction struct {
	tool   mcp.Tool
	plugin *plugin
}

func (a *toolAction) Name() string { return a.tool.Name }

func (a *toolAction) Schema() actions.ActionSchema {
	s := actions.ActionSchema{Description: a.tool.Description}
	if raw, err := json.Marshal(a.tool.InputSchema); err == nil {
		s.InputSchema = raw
	}
	return s
}

func (a *toolAction) Validate(map[string]any) error { return nil }

func (a *toolAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.plugin.timeout)
	defer cancel()

	res, err := a.plugin.client.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: a.tool.Name, Arguments: input.Params},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s.%s: %v", a.plugin.name, a.tool.Name, err).WithCause(err)
	}
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s.%s: %s", a.plugin.name, a.tool.Name, contentText(res.Content))
	}
	return &actions.ActionOutput{Data: resultData(res)}, nil
}

// resultData picks the most useful form of a tool result: structured
// content, else decoded JSON text, else the plain text.
func resultData(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	text := contentText(res.Content)
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded
	}
	return text
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if t, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
