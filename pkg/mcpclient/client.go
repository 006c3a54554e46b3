package mcpclient

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/tools"
)

// initializeTimeout bounds the MCP handshake. Package-manager launchers
// (npx, uvx) can take a while on first run.
const initializeTimeout = 2 * time.Minute

// Client owns one stdio MCP server connection.
type Client struct {
	name   string
	config ServerConfig
	mcp    *client.Client
	logger utils.ExtendedLogger
}

// New creates an unconnected client for the named server.
func New(name string, config ServerConfig, logger utils.ExtendedLogger) *Client {
	return &Client{name: name, config: config, logger: utils.OrSilent(logger)}
}

// Connect spawns the server process and performs the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.config.Command == "" {
		if c.config.URL != "" {
			return fmt.Errorf("MCP server %s uses a %s transport; only stdio servers are supported", c.name, c.protocolName())
		}
		return fmt.Errorf("MCP server %s has no command configured", c.name)
	}

	var env []string
	for key, value := range c.config.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(env)

	c.logger.Infof("🔌 Connecting to MCP server %s (command: %s %v)", c.name, c.config.Command, c.config.Args)

	mcpClient, err := client.NewStdioMCPClient(c.config.Command, env, c.config.Args...)
	if err != nil {
		return fmt.Errorf("failed to start MCP server %s: %w", c.name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	result, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: "2024-11-05",
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "agent-kernel",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP server %s: %w", c.name, err)
	}

	c.logger.Infof("✅ Connected to MCP server %s (%s %s)", c.name, result.ServerInfo.Name, result.ServerInfo.Version)
	c.mcp = mcpClient
	return nil
}

// RegisterTools lists the server's tools and registers them. Connect must
// have succeeded.
func (c *Client) RegisterTools(ctx context.Context, reg *tools.Registry) ([]string, error) {
	if c.mcp == nil {
		return nil, fmt.Errorf("MCP server %s is not connected", c.name)
	}
	return tools.RegisterMCPTools(ctx, reg, c.name, c.mcp, c.logger)
}

// Close shuts the server process down.
func (c *Client) Close() error {
	if c.mcp == nil {
		return nil
	}
	err := c.mcp.Close()
	c.mcp = nil
	return err
}

func (c *Client) protocolName() string {
	if c.config.Protocol != "" {
		return c.config.Protocol
	}
	return "url-based"
}

// ConnectAll connects every configured server and registers its tools,
// returning close functions for the survivors. A server that fails to
// connect is logged and skipped so one broken entry does not take down the
// rest of the catalog.
func ConnectAll(ctx context.Context, reg *tools.Registry, servers map[string]ServerConfig, names []string, logger utils.ExtendedLogger) ([]*Client, error) {
	logger = utils.OrSilent(logger)

	connected := make([]*Client, 0, len(names))
	for _, name := range names {
		c := New(name, servers[name], logger)
		if err := c.Connect(ctx); err != nil {
			logger.Warnf("⚠️ Skipping MCP server %s: %v", name, err)
			continue
		}
		if _, err := c.RegisterTools(ctx, reg); err != nil {
			logger.Warnf("⚠️ Skipping MCP server %s: %v", name, err)
			c.Close()
			continue
		}
		connected = append(connected, c)
	}

	if len(connected) == 0 && len(names) > 0 {
		return nil, fmt.Errorf("no MCP server could be connected")
	}
	return connected, nil
}

// CloseAll closes every client, keeping the first error.
func CloseAll(clients []*Client) error {
	var firstErr error
	for _, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
