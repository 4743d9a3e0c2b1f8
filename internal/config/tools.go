package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const (
	defaultInvokeTimeout   = 30 * time.Second
	defaultRetryAttempts   = 3
	defaultRetryBaseDelay  = 250 * time.Millisecond
	defaultRetryMaxDelay   = 10 * time.Second
	maxInvokeTimeout       = 10 * time.Minute
	maxRetryAttempts       = 10
	registryDefaultName    = "tools.yaml"
)

// ToolsConfig configures the tool router.
type ToolsConfig struct {
	// RegistryPath points at the tools.yaml registry. Defaults to
	// <data_dir>/tools.yaml.
	RegistryPath string `json:"registry_path,omitempty"`

	// InvokeTimeoutMs bounds a single tool call, wire time included.
	InvokeTimeoutMs int64 `json:"invoke_timeout_ms,omitempty"`

	Retry RetryConfig `json:"retry,omitempty"`
}

// RetryConfig shapes the backoff for transport-class tool failures.
type RetryConfig struct {
	MaxAttempts int   `json:"max_attempts,omitempty"`
	BaseDelayMs int64 `json:"base_delay_ms,omitempty"`
	MaxDelayMs  int64 `json:"max_delay_ms,omitempty"`
}

func (c *ToolsConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.InvokeTimeoutMs < 0 {
		return fmt.Errorf("invalid invoke_timeout_ms %d", c.InvokeTimeoutMs)
	}
	if d := time.Duration(c.InvokeTimeoutMs) * time.Millisecond; d > maxInvokeTimeout {
		return fmt.Errorf("invoke_timeout_ms %d exceeds the %s cap", c.InvokeTimeoutMs, maxInvokeTimeout)
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.MaxAttempts > maxRetryAttempts {
		return fmt.Errorf("invalid retry.max_attempts %d (must be in [0,%d])", c.Retry.MaxAttempts, maxRetryAttempts)
	}
	if c.Retry.BaseDelayMs < 0 {
		return fmt.Errorf("invalid retry.base_delay_ms %d", c.Retry.BaseDelayMs)
	}
	if c.Retry.MaxDelayMs < 0 {
		return fmt.Errorf("invalid retry.max_delay_ms %d", c.Retry.MaxDelayMs)
	}
	if c.Retry.BaseDelayMs > 0 && c.Retry.MaxDelayMs > 0 && c.Retry.BaseDelayMs > c.Retry.MaxDelayMs {
		return fmt.Errorf("retry.base_delay_ms %d exceeds retry.max_delay_ms %d", c.Retry.BaseDelayMs, c.Retry.MaxDelayMs)
	}
	return nil
}

// EffectiveRegistryPath resolves the registry location against the data dir.
func (c *ToolsConfig) EffectiveRegistryPath(dataDir string) string {
	if c != nil && c.RegistryPath != "" {
		return c.RegistryPath
	}
	return filepath.Join(dataDir, registryDefaultName)
}

func (c *ToolsConfig) EffectiveInvokeTimeout() time.Duration {
	if c == nil || c.InvokeTimeoutMs <= 0 {
		return defaultInvokeTimeout
	}
	return time.Duration(c.InvokeTimeoutMs) * time.Millisecond
}

func (c *ToolsConfig) EffectiveRetryMaxAttempts() int {
	if c == nil || c.Retry.MaxAttempts <= 0 {
		return defaultRetryAttempts
	}
	return c.Retry.MaxAttempts
}

func (c *ToolsConfig) EffectiveRetryBaseDelay() time.Duration {
	if c == nil || c.Retry.BaseDelayMs <= 0 {
		return defaultRetryBaseDelay
	}
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

func (c *ToolsConfig) EffectiveRetryMaxDelay() time.Duration {
	if c == nil || c.Retry.MaxDelayMs <= 0 {
		return defaultRetryMaxDelay
	}
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}
