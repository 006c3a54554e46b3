// Package mcpclient connects to external MCP servers over stdio and hands
// their tool catalogs to the registry.
package mcpclient

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// ServerConfig describes one MCP server entry. Only stdio servers are
// supported; url/protocol fields are parsed so standard config files load,
// and Connect rejects them with a clear error.
type ServerConfig struct {
	Description string            `json:"description,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
}

// serversFile is the standard MCP configuration document:
// {"mcpServers": {"<name>": {...}}}.
type serversFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadServers reads an MCP servers config file and returns the entries in
// name order.
func LoadServers(path string) (map[string]ServerConfig, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read MCP config %s: %w", path, err)
	}

	var file serversFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse MCP config %s: %w", path, err)
	}
	if len(file.MCPServers) == 0 {
		return nil, nil, fmt.Errorf("MCP config %s has no mcpServers entries", path)
	}

	names := make([]string, 0, len(file.MCPServers))
	for name := range file.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return file.MCPServers, names, nil
}
