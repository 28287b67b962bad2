package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"tether/connection"
	"tether/protocol"

	"gopkg.in/yaml.v3"
)

// Endpoint is one WebSocket peer to keep connected. Zero-valued overrides
// keep the process-wide setting.
type Endpoint struct {
	ID                 string `yaml:"id"`
	URL                string `yaml:"url"`
	MaxAttempts        *int   `yaml:"max_attempts,omitempty"`
	MaxPendingMessages *int   `yaml:"max_pending_messages,omitempty"`
	HeartbeatInterval  string `yaml:"heartbeat_interval,omitempty"`
}

// EndpointsFile is the YAML document read by LoadEndpoints
type EndpointsFile struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// LoadEndpoints reads a YAML endpoints file and expands ${VAR} references
func LoadEndpoints(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var file EndpointsFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse endpoints yaml: %w", err)
	}
	if err := ValidateEndpoints(file.Endpoints); err != nil {
		return nil, fmt.Errorf("validate endpoints: %w", err)
	}
	return file.Endpoints, nil
}

// ParseEndpointList parses "id=url,id=url"
func ParseEndpointList(list string) ([]Endpoint, error) {
	var endpoints []Endpoint
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, rawURL, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid endpoint %q: want id=url", part)
		}
		endpoints = append(endpoints, Endpoint{
			ID:  strings.TrimSpace(id),
			URL: strings.TrimSpace(rawURL),
		})
	}
	if err := ValidateEndpoints(endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// ValidateEndpoints checks ids are present and unique and urls are ws/wss
func ValidateEndpoints(endpoints []Endpoint) error {
	seen := make(map[string]bool, len(endpoints))
	for i, ep := range endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoint %d: id is required", i)
		}
		if seen[ep.ID] {
			return fmt.Errorf("endpoint %q: duplicate id", ep.ID)
		}
		seen[ep.ID] = true

		u, err := url.Parse(ep.URL)
		if err != nil {
			return fmt.Errorf("endpoint %q: invalid url: %w", ep.ID, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("endpoint %q: url scheme must be ws or wss, got %q", ep.ID, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("endpoint %q: url has no host", ep.ID)
		}
		if ep.MaxAttempts != nil && *ep.MaxAttempts < 0 {
			return fmt.Errorf("endpoint %q: max_attempts cannot be negative", ep.ID)
		}
		if ep.MaxPendingMessages != nil && *ep.MaxPendingMessages < 0 {
			return fmt.Errorf("endpoint %q: max_pending_messages cannot be negative", ep.ID)
		}
		if ep.HeartbeatInterval != "" && protocol.ParseDuration(ep.HeartbeatInterval, 0) <= 0 {
			return fmt.Errorf("endpoint %q: invalid heartbeat_interval %q", ep.ID, ep.HeartbeatInterval)
		}
	}
	return nil
}

// Apply returns base with this endpoint's overrides applied
func (e Endpoint) Apply(base connection.Config) connection.Config {
	if e.MaxAttempts != nil {
		base.MaxAttempts = *e.MaxAttempts
	}
	if e.MaxPendingMessages != nil {
		base.MaxPendingMessages = *e.MaxPendingMessages
	}
	if e.HeartbeatInterval != "" {
		base.HeartbeatInterval = protocol.ParseDuration(e.HeartbeatInterval, base.HeartbeatInterval)
	}
	return base
}

// LoadAllEndpoints merges the endpoints file and the inline list. Inline
// entries replace file entries with the same id.
func (c *Config) LoadAllEndpoints() ([]Endpoint, error) {
	var endpoints []Endpoint
	if c.EndpointsFile != "" {
		fromFile, err := LoadEndpoints(c.EndpointsFile)
		if err != nil {
			return nil, err
		}
		endpoints = fromFile
	}
	if c.Endpoints == "" {
		return endpoints, nil
	}

	inline, err := ParseEndpointList(c.Endpoints)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(endpoints))
	for i, ep := range endpoints {
		index[ep.ID] = i
	}
	for _, ep := range inline {
		if i, ok := index[ep.ID]; ok {
			endpoints[i] = ep
			continue
		}
		index[ep.ID] = len(endpoints)
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}
