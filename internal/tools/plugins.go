package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/titanous/json5"
)

const pluginInitTimeout = 15 * time.Second

// PluginManifest describes one tool plugin: an MCP server spawned over
// stdio whose tools are registered under the manifest's tool ID.
type PluginManifest struct {
	// ID is the orchestrator-facing tool ID. Must not contain "__".
	ID string `json:"id"`
	// Command and Args spawn the MCP server process.
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// Env entries are KEY=VALUE pairs appended to the child environment.
	Env []string `json:"env,omitempty"`
}

// PluginLoader discovers plugin manifests in a directory and registers
// the tools their MCP servers expose. A failure to load any single
// plugin is logged and skipped, never fatal.
type PluginLoader struct {
	registry *Registry

	mu      sync.Mutex
	clients map[string]*mcpclient.Client // manifest path -> live client
	loaded  map[string]string            // manifest path -> tool ID
}

func NewPluginLoader(registry *Registry) *PluginLoader {
	return &PluginLoader{
		registry: registry,
		clients:  make(map[string]*mcpclient.Client),
		loaded:   make(map[string]string),
	}
}

// LoadDirectory scans dir for *.json and *.json5 manifests and loads
// each one. A missing directory is not an error: there are simply no
// plugins. Returns the number of plugins registered.
func (l *PluginLoader) LoadDirectory(ctx context.Context, dir string) int {
	if dir == "" {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("plugin directory unreadable", "dir", dir, "error", err)
		}
		return 0
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".json" || ext == ".json5" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := l.LoadManifest(ctx, path); err != nil {
			slog.Warn("skipping tool plugin", "manifest", path, "error", err)
			continue
		}
		loaded++
	}
	slog.Info("tool plugins loaded", "dir", dir, "count", loaded)
	return loaded
}

// LoadManifest loads a single manifest, spawning its MCP server and
// registering its tools. Reloading an already-loaded path unloads the
// previous instance first.
func (l *PluginLoader) LoadManifest(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest PluginManifest
	if err := json5.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.ID == "" || manifest.Command == "" {
		return fmt.Errorf("manifest must set id and command")
	}
	if strings.Contains(manifest.ID, LLMNameSeparator) {
		return fmt.Errorf("plugin id %q must not contain %q", manifest.ID, LLMNameSeparator)
	}

	l.Unload(path)

	client, err := mcpclient.NewStdioMCPClient(manifest.Command, manifest.Env, manifest.Args...)
	if err != nil {
		return fmt.Errorf("spawn MCP server: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, pluginInitTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentrun", Version: "0.1.0"}
	if _, err := client.Initialize(initCtx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize MCP server: %w", err)
	}

	listed, err := client.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list MCP tools: %w", err)
	}
	if len(listed.Tools) == 0 {
		client.Close()
		return fmt.Errorf("MCP server exposes no tools")
	}

	table := make([]Method, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		if strings.Contains(t.Name, LLMNameSeparator) {
			slog.Warn("skipping MCP tool with reserved separator in name",
				"plugin", manifest.ID, "tool", t.Name)
			continue
		}
		table = append(table, Method{
			Name:        t.Name,
			Description: t.Description,
			Parameters: map[string]any{
				"type":       t.InputSchema.Type,
				"properties": t.InputSchema.Properties,
				"required":   t.InputSchema.Required,
			},
			Handler: mcpHandler(client, t.Name),
		})
	}
	if len(table) == 0 {
		client.Close()
		return fmt.Errorf("MCP server exposes no usable tools")
	}

	if err := l.registry.RegisterTool(&SimpleTool{ID: manifest.ID, Table: table}); err != nil {
		client.Close()
		return fmt.Errorf("register plugin tool: %w", err)
	}

	l.mu.Lock()
	l.clients[path] = client
	l.loaded[path] = manifest.ID
	l.mu.Unlock()

	slog.Info("tool plugin loaded", "manifest", path, "tool", manifest.ID, "methods", len(table))
	return nil
}

// Unload removes the plugin previously loaded from path, if any.
func (l *PluginLoader) Unload(path string) {
	l.mu.Lock()
	client := l.clients[path]
	toolID := l.loaded[path]
	delete(l.clients, path)
	delete(l.loaded, path)
	l.mu.Unlock()

	if toolID != "" {
		l.registry.UnregisterTool(toolID)
	}
	if client != nil {
		client.Close()
	}
}

// Close unloads every plugin.
func (l *PluginLoader) Close() {
	l.mu.Lock()
	paths := make([]string, 0, len(l.clients))
	for p := range l.clients {
		paths = append(paths, p)
	}
	l.mu.Unlock()
	for _, p := range paths {
		l.Unload(p)
	}
}

func mcpHandler(client *mcpclient.Client, toolName string) Handler {
	return func(ctx context.Context, params map[string]any) (any, error) {
		req := mcp.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = params
		res, err := client.CallTool(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("MCP call failed: %w", err)
		}
		text := flattenMCPContent(res.Content)
		if res.IsError {
			return nil, fmt.Errorf("MCP tool error: %s", text)
		}
		return map[string]any{"content": text}, nil
	}
}

func flattenMCPContent(content []mcp.Content) string {
	var b strings.Builder
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
