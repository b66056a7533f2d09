package config_test

import (
	"strings"
	"testing"

	"fieldline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("obra-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Site.ID != "obra-1" {
		t.Fatalf("site id not applied: %s", cfg.Site.ID)
	}
	if cfg.Engineering.Secret != "1957" {
		t.Fatalf("unexpected default secret: %q", cfg.Engineering.Secret)
	}
	if cfg.Receiving.Location != "Almoxarifado Central" || cfg.Receiving.RequestedBy != "Almoxarifado" {
		t.Fatalf("unexpected receiving defaults: %+v", cfg.Receiving)
	}
	if !cfg.IsRequester("Ailton") || cfg.IsRequester("Fulano") {
		t.Fatalf("requester roster lookup broken")
	}
	if !cfg.IsReceiver("Izaias") || cfg.IsReceiver("Ailton") {
		t.Fatalf("receiver roster lookup broken")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	raw := config.GenerateDefault("obra-2")
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if cfg.Site.ID != "obra-2" {
		t.Fatalf("site id lost: %s", cfg.Site.ID)
	}
}

func TestValidate(t *testing.T) {
	valid := config.GenerateDefault("obra-1")
	cases := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{
			name:    "missing site id",
			mutate:  func(c *config.Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "empty requester roster",
			mutate:  func(c *config.Config) { c.Rosters.Requesters = nil },
			wantErr: "requesters",
		},
		{
			name:    "blank requester name",
			mutate:  func(c *config.Config) { c.Rosters.Requesters = append(c.Rosters.Requesters, "  ") },
			wantErr: "empty name",
		},
		{
			name:    "empty receiver roster",
			mutate:  func(c *config.Config) { c.Rosters.Receivers = nil },
			wantErr: "receivers",
		},
		{
			name:    "missing secret",
			mutate:  func(c *config.Config) { c.Engineering.Secret = "" },
			wantErr: "secret",
		},
		{
			name:    "missing receiving location",
			mutate:  func(c *config.Config) { c.Receiving.Location = "" },
			wantErr: "receiving.location",
		},
		{
			name:    "receiving requester off roster",
			mutate:  func(c *config.Config) { c.Receiving.RequestedBy = "Fulano" },
			wantErr: "not in the requester roster",
		},
		{
			name: "webhook without url",
			mutate: func(c *config.Config) {
				c.Webhooks = []config.WebhookConfig{{URL: "  "}}
			},
			wantErr: "empty url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.FromYAML([]byte(valid))
			if err != nil {
				t.Fatalf("base config: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("site: [broken")); err == nil {
		t.Fatalf("expected yaml error")
	}
}
