package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides: unload.strategy is read
// from LAZYD_UNLOAD_STRATEGY.
const EnvPrefix = "LAZYD"

// EnvOverrides returns every registered key that has an environment override,
// with the raw string value.
func (e *Engine) EnvOverrides() map[string]any {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	e.mu.Lock()
	keys := make([]string, 0, len(e.defs))
	for k := range e.defs {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	out := make(map[string]any)
	for _, k := range keys {
		if v.IsSet(k) {
			out[k] = v.GetString(k)
		}
	}
	return out
}

// ApplyEnv applies EnvOverrides with SourceEnvironment.
func (e *Engine) ApplyEnv() map[string]error {
	overrides := e.EnvOverrides()
	if len(overrides) == 0 {
		return nil
	}
	return e.Update(overrides, SourceEnvironment)
}

// ApplyFile applies the settings block of a FileConfig with SourceFile.
func (e *Engine) ApplyFile(cfg FileConfig) map[string]error {
	if len(cfg.Settings) == 0 {
		return nil
	}
	return e.Update(cfg.Settings, SourceFile)
}
