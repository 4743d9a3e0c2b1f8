package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// PlannerConfig configures the LLM planner.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are
//     managed via the separate local secrets file.
//   - An empty active_provider_id selects the bundled static planner, which
//     needs no network and no key.
type PlannerConfig struct {
	// ActiveProviderID selects the provider used for planning. It must match
	// the id of one entry in Providers.
	ActiveProviderID string `json:"active_provider_id,omitempty"`

	// Providers is the provider registry. Entries keep their id stable once
	// used; secrets and audit entries reference it.
	Providers []PlannerProvider `json:"providers,omitempty"`
}

type PlannerProvider struct {
	// ID is a stable internal id (primary key).
	ID string `json:"id"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for
	// openai_compatible, optional otherwise.
	BaseURL string `json:"base_url,omitempty"`

	// Model is the model name requested for plan generation.
	Model string `json:"model"`
}

func (c *PlannerConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if strings.Contains(id, "/") {
			return fmt.Errorf("providers[%d]: invalid id %q (must not contain /)", i, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}

		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("providers[%d]: missing model", i)
		}
	}

	if active := strings.TrimSpace(c.ActiveProviderID); active != "" {
		if _, ok := seen[active]; !ok {
			return fmt.Errorf("active_provider_id %q not in providers", active)
		}
	}
	return nil
}

// ActiveProvider returns the provider selected by ActiveProviderID.
// It returns false when no provider is active (static planner mode).
func (c *PlannerConfig) ActiveProvider() (PlannerProvider, bool) {
	if c == nil {
		return PlannerProvider{}, false
	}
	active := strings.TrimSpace(c.ActiveProviderID)
	if active == "" {
		return PlannerProvider{}, false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == active {
			return p, true
		}
	}
	return PlannerProvider{}, false
}
