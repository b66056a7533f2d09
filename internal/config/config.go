package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models fieldline.yml.
type Config struct {
	Site struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"site"`
	Rosters struct {
		Requesters []string `yaml:"requesters"`
		Receivers  []string `yaml:"receivers"`
	} `yaml:"rosters"`
	Engineering struct {
		Secret string `yaml:"secret"`
	} `yaml:"engineering"`
	Receiving struct {
		Location    string `yaml:"location"`
		RequestedBy string `yaml:"requested_by"`
	} `yaml:"receiving"`
	Assist struct {
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"assist"`
	Server struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader *bool  `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if len(c.Rosters.Requesters) == 0 {
		return fmt.Errorf("config.rosters.requesters is required")
	}
	for _, name := range c.Rosters.Requesters {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.rosters.requesters contains an empty name")
		}
	}
	if len(c.Rosters.Receivers) == 0 {
		return fmt.Errorf("config.rosters.receivers is required")
	}
	for _, name := range c.Rosters.Receivers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.rosters.receivers contains an empty name")
		}
	}
	if c.Engineering.Secret == "" {
		return fmt.Errorf("config.engineering.secret is required")
	}
	if c.Receiving.Location == "" {
		return fmt.Errorf("config.receiving.location is required")
	}
	if c.Receiving.RequestedBy == "" {
		return fmt.Errorf("config.receiving.requested_by is required")
	}
	if !contains(c.Rosters.Requesters, c.Receiving.RequestedBy) {
		return fmt.Errorf("config.receiving.requested_by %s is not in the requester roster", c.Receiving.RequestedBy)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhook %d has empty event filter entry", i)
			}
		}
	}
	return nil
}

// IsRequester reports whether name belongs to the requester roster.
func (c *Config) IsRequester(name string) bool {
	return contains(c.Rosters.Requesters, name)
}

// IsReceiver reports whether name belongs to the receiver roster.
func (c *Config) IsReceiver(name string) bool {
	return contains(c.Rosters.Receivers, name)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(siteID string) string {
	return fmt.Sprintf(defaultTemplate, siteID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a site.
func Default(siteID string) *Config {
	var cfg Config
	cfg.Site.ID = siteID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, siteID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `site:
  id: %s
  name: Obra

rosters:
  requesters:
    - Ailton
    - Iltinho
    - Geraldo
    - Engenharia
    - Almoxarifado
    - Diego
  receivers:
    - Antônio
    - Izaias

# The engineering secret is a visibility toggle for the approval workflow,
# not a security boundary. Rotate it from this file.
engineering:
  secret: "1957"

receiving:
  location: Almoxarifado Central
  requested_by: Almoxarifado

assist:
  model: gemini-2.5-flash
  base_url: https://generativelanguage.googleapis.com

server:
  jwt_secret: fieldline-dev-secret
  allow_actor_header: true
`
