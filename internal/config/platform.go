package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// PlatformOptions holds parameters for fetching config from a central
// control plane.
type PlatformOptions struct {
	PlatformURL string // e.g. https://relay.example.com
	InstanceID  string
	APIKey      string
	DataDir     string // local data directory, default /data
}

// LoadFromPlatform fetches the relay configuration from the control plane,
// writes the served step overrides next to the local data and returns the
// parsed Config.
func LoadFromPlatform(opts PlatformOptions) (*Config, error) {
	if opts.DataDir == "" {
		opts.DataDir = "/data"
	}

	url := fmt.Sprintf("%s/api/relay/config", opts.PlatformURL)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("platform: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	if opts.InstanceID != "" {
		req.Header.Set("X-Relay-Instance", opts.InstanceID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform: fetch config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("platform: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platform: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var served struct {
		Config
		StepsYAML string `json:"steps_yaml,omitempty"`
	}
	if err := json.Unmarshal(body, &served); err != nil {
		return nil, fmt.Errorf("platform: parse config: %w", err)
	}
	cfg := served.Config

	// Paths served by the platform mean nothing on this host.
	cfg.Relay.DataDir = opts.DataDir
	cfg.Relay.DBPath = ""
	cfg.Relay.StepsFile = ""
	cfg.Workspace.Root = ""

	if served.StepsYAML != "" {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("platform: create data dir: %w", err)
		}
		path := filepath.Join(opts.DataDir, "steps.yaml")
		if err := os.WriteFile(path, []byte(served.StepsYAML), 0o644); err != nil {
			return nil, fmt.Errorf("platform: write steps file: %w", err)
		}
		cfg.Relay.StepsFile = path
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	return &cfg, nil
}
