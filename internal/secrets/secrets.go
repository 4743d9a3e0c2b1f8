// Package secrets persists user-provided credentials in a file kept
// apart from config.json, so the config stays safe to copy or share.
// Stored values are planner provider API keys and per-server bearer
// tokens for tool servers; callers outside the dial paths should only
// ever learn whether a key is set, never the key itself.
package secrets

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileName = "secrets.json"

// DefaultPath returns the secrets file location inside the data directory.
func DefaultPath(dataDir string) string {
	return filepath.Join(strings.TrimSpace(dataDir), fileName)
}

// Store reads and writes the secrets file. All methods are safe for
// concurrent use; every mutation is written back atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: filepath.Clean(strings.TrimSpace(path))}
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int             `json:"schema_version"`
	Planner       *plannerSecrets `json:"planner,omitempty"`
	// ToolServerTokens maps registry server names to bearer tokens,
	// including tokens minted by the auth refresh flow.
	ToolServerTokens map[string]string `json:"tool_server_tokens,omitempty"`
}

type plannerSecrets struct {
	ProviderAPIKeys map[string]string `json:"provider_api_keys,omitempty"`
}

// PlannerAPIKey returns the stored API key for a planner provider.
func (s *Store) PlannerAPIKey(providerID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", false, errors.New("missing provider id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	if sf.Planner == nil {
		return "", false, nil
	}
	key := strings.TrimSpace(sf.Planner.ProviderAPIKeys[providerID])
	return key, key != "", nil
}

// HasPlannerAPIKey reports whether a key is set without exposing it.
func (s *Store) HasPlannerAPIKey(providerID string) (bool, error) {
	_, ok, err := s.PlannerAPIKey(providerID)
	return ok, err
}

func (s *Store) SetPlannerAPIKey(providerID string, apiKey string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("missing provider id")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.Planner == nil {
		sf.Planner = &plannerSecrets{}
	}
	if sf.Planner.ProviderAPIKeys == nil {
		sf.Planner.ProviderAPIKeys = make(map[string]string)
	}
	sf.Planner.ProviderAPIKeys[providerID] = apiKey
	return s.saveLocked(sf)
}

func (s *Store) ClearPlannerAPIKey(providerID string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("missing provider id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.Planner == nil || len(sf.Planner.ProviderAPIKeys) == 0 {
		return nil
	}
	delete(sf.Planner.ProviderAPIKeys, providerID)
	if len(sf.Planner.ProviderAPIKeys) == 0 {
		sf.Planner = nil
	}
	return s.saveLocked(sf)
}

// ToolServerToken returns the stored bearer token for a tool server.
// A missing or unreadable secrets file reads as no token; the router
// then dials with whatever the registry configures inline.
func (s *Store) ToolServerToken(serverName string) (string, bool) {
	if s == nil {
		return "", false
	}
	serverName = strings.TrimSpace(serverName)
	if serverName == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(sf.ToolServerTokens[serverName])
	return token, token != ""
}

func (s *Store) SetToolServerToken(serverName string, token string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	serverName = strings.TrimSpace(serverName)
	if serverName == "" {
		return errors.New("missing server name")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("missing token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.ToolServerTokens == nil {
		sf.ToolServerTokens = make(map[string]string)
	}
	sf.ToolServerTokens[serverName] = token
	return s.saveLocked(sf)
}

func (s *Store) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

// Write atomically.
func (s *Store) saveLocked(sf *secretsFile) error {
	if sf == nil {
		return errors.New("nil secrets")
	}
	path := strings.TrimSpace(s.path)
	if path == "" {
		return errors.New("missing secrets path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
