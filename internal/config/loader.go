package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per kind. Unknown names are
// warned about, not rejected, so out-of-tree providers remain usable.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm:openai", "anyllm:anthropic", "anyllm:gemini", "anyllm:ollama",
		"anyllm:deepseek", "anyllm:mistral", "anyllm:groq"},
	"stt":      {"openai"},
	"tts":      {"openai"},
	"realtime": {"openai"},
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Worker.URL == "" {
		cfg.Worker.URL = os.Getenv("LIVEKIT_URL")
	}
	if cfg.Worker.NumIdleProcesses <= 0 {
		cfg.Worker.NumIdleProcesses = 2
	}
	if cfg.Worker.DrainTimeout <= 0 {
		cfg.Worker.DrainTimeout = time.Minute
	}
	if cfg.Session.Language == "" {
		cfg.Session.Language = "en"
	}
}

// Validate checks cfg for coherence, returning a joined error of every
// failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Worker.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("worker.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Worker.LogLevel))
	}
	if cfg.Worker.URL == "" {
		errs = append(errs, errors.New("worker.url is required (or set LIVEKIT_URL)"))
	}
	if cfg.Worker.AgentName == "" {
		errs = append(errs, errors.New("worker.agent_name is required"))
	}

	for _, e := range cfg.Providers.LLM {
		validateProviderName("llm", e.Name)
	}
	for _, e := range cfg.Providers.STT {
		validateProviderName("stt", e.Name)
	}
	for _, e := range cfg.Providers.TTS {
		validateProviderName("tts", e.Name)
	}
	if cfg.Providers.Realtime.Name != "" {
		validateProviderName("realtime", cfg.Providers.Realtime.Name)
	}

	if cfg.Providers.Realtime.Name == "" && len(cfg.Providers.LLM) == 0 {
		slog.Warn("no LLM or realtime provider configured; the agent cannot generate replies")
	}
	if cfg.Providers.Realtime.Name != "" && len(cfg.Providers.LLM) > 0 {
		slog.Warn("both realtime and cascade providers configured; the realtime model takes precedence")
	}

	for _, srv := range cfg.MCP.Servers {
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: stdio transport requires command", srv.Name))
			}
		case "http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: http transport requires url", srv.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp server %q: unknown transport %q", srv.Name, srv.Transport))
		}
	}

	return errors.Join(errs...)
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		slog.Warn("unrecognised provider name", "kind", kind, "name", name)
	}
}
