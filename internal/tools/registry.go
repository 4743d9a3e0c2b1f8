package tools

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegistryFile is the on-disk shape of the tool-server registry (tools.yaml).
type RegistryFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one remote tool server and the tools it claims.
// Tool entries are exact names or trailing wildcards ("files.*").
type ServerConfig struct {
	Name  string     `yaml:"name"`
	URL   string     `yaml:"url"`
	Auth  AuthConfig `yaml:"auth,omitempty"`
	Tools []string   `yaml:"tools"`
}

// AuthConfig carries the server's bearer credential sources.
//
// Notes:
// - bearer_token is for local development only; real deployments use
//   bearer_token_env or the secrets store.
// - token_url, when set, is the refresh endpoint used after AUTH_REQUIRED.
type AuthConfig struct {
	BearerToken    string `yaml:"bearer_token,omitempty"`
	BearerTokenEnv string `yaml:"bearer_token_env,omitempty"`
	TokenURL       string `yaml:"token_url,omitempty"`
}

// Registry maps tool names to their servers.
type Registry struct {
	servers []ServerConfig

	byExact    map[string]int
	byWildcard []wildcardRoute
}

type wildcardRoute struct {
	prefix string
	server int
}

// LoadRegistry reads and validates a tools.yaml file.
func LoadRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing registry path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file RegistryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewRegistry(file.Servers)
}

// NewRegistry validates the server list and builds the routing tables.
func NewRegistry(servers []ServerConfig) (*Registry, error) {
	r := &Registry{byExact: make(map[string]int)}

	seenNames := make(map[string]bool, len(servers))
	for i := range servers {
		s := servers[i]
		s.Name = strings.TrimSpace(s.Name)
		s.URL = strings.TrimSpace(s.URL)
		s.Auth.BearerToken = strings.TrimSpace(s.Auth.BearerToken)
		s.Auth.BearerTokenEnv = strings.TrimSpace(s.Auth.BearerTokenEnv)
		s.Auth.TokenURL = strings.TrimSpace(s.Auth.TokenURL)

		if s.Name == "" {
			return nil, fmt.Errorf("servers[%d]: missing name", i)
		}
		if seenNames[s.Name] {
			return nil, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seenNames[s.Name] = true

		u, err := url.Parse(s.URL)
		if err != nil || u == nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return nil, fmt.Errorf("servers[%d]: invalid url %q (want ws:// or wss://)", i, s.URL)
		}
		if len(s.Tools) == 0 {
			return nil, fmt.Errorf("servers[%d]: no tools", i)
		}

		idx := len(r.servers)
		clean := make([]string, 0, len(s.Tools))
		for j, t := range s.Tools {
			t = strings.TrimSpace(t)
			if t == "" {
				return nil, fmt.Errorf("servers[%d].tools[%d]: empty tool name", i, j)
			}
			if strings.HasSuffix(t, ".*") {
				prefix := strings.TrimSuffix(t, "*")
				r.byWildcard = append(r.byWildcard, wildcardRoute{prefix: prefix, server: idx})
			} else {
				if prev, ok := r.byExact[t]; ok {
					return nil, fmt.Errorf("servers[%d]: tool %q already claimed by %q", i, t, r.servers[prev].Name)
				}
				r.byExact[t] = idx
			}
			clean = append(clean, t)
		}
		s.Tools = clean
		r.servers = append(r.servers, s)
	}

	// Longest wildcard prefix wins.
	sort.SliceStable(r.byWildcard, func(a, b int) bool {
		return len(r.byWildcard[a].prefix) > len(r.byWildcard[b].prefix)
	})

	return r, nil
}

// ServerFor routes a tool name to its server.
func (r *Registry) ServerFor(toolName string) (ServerConfig, bool) {
	if r == nil {
		return ServerConfig{}, false
	}
	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return ServerConfig{}, false
	}
	if idx, ok := r.byExact[toolName]; ok {
		return r.servers[idx], true
	}
	for _, w := range r.byWildcard {
		if strings.HasPrefix(toolName, w.prefix) {
			return r.servers[w.server], true
		}
	}
	return ServerConfig{}, false
}

// KnownTool reports whether any server claims the tool.
func (r *Registry) KnownTool(toolName string) bool {
	_, ok := r.ServerFor(toolName)
	return ok
}

// ToolNames returns every exactly-declared tool name, sorted. Wildcard
// claims are returned as written ("files.*").
func (r *Registry) ToolNames() []string {
	if r == nil {
		return nil
	}
	var out []string
	for name := range r.byExact {
		out = append(out, name)
	}
	for _, w := range r.byWildcard {
		out = append(out, w.prefix+"*")
	}
	sort.Strings(out)
	return out
}

// Servers returns the validated server list.
func (r *Registry) Servers() []ServerConfig {
	if r == nil {
		return nil
	}
	return append([]ServerConfig(nil), r.servers...)
}
