package hooks

import (
	"fmt"
	"time"
)

// Config captures hook-related settings exposed via config files and env.
type Config struct {
	Enabled    bool
	ScriptPath string
	ScriptArgs []string
	Env        map[string]string
	Timeout    time.Duration
}

// Validate ensures the configuration is coherent before we wire handlers.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("hooks: script_path required when enabled")
	}
	return nil
}

// BuildScriptHandler constructs the handler declared in Config.
func (c Config) BuildScriptHandler() Handler {
	if !c.Enabled {
		return nil
	}
	cfg := ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	}
	return NewScriptHandler(cfg)
}
