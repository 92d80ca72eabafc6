// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestSeedCmd_Flags(t *testing.T) {
	cmd := NewSeedCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	output := buf.String()
	for _, flag := range []string{"--file", "--timeout"} {
		if !strings.Contains(output, flag) {
			t.Errorf("Help missing %q flag", flag)
		}
	}
}

func TestSeedFile_Unmarshal(t *testing.T) {
	doc := `
users:
  - username: admin
    password: correct-horse-battery
    levels:
      spirit: 2
  - username: alice
    password: hunter2hunter2
`

	var seeds seedFile
	if err := yaml.Unmarshal([]byte(doc), &seeds); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if len(seeds.Users) != 2 {
		t.Fatalf("len(Users) = %d, want 2", len(seeds.Users))
	}
	if seeds.Users[0].Username != "admin" {
		t.Errorf("Username = %q, want %q", seeds.Users[0].Username, "admin")
	}
	if seeds.Users[0].Levels["spirit"] != 2 {
		t.Errorf("Levels[spirit] = %d, want 2", seeds.Users[0].Levels["spirit"])
	}
	if len(seeds.Users[1].Levels) != 0 {
		t.Errorf("second user should have no levels, got %v", seeds.Users[1].Levels)
	}
}

func TestSeed_MissingFile(t *testing.T) {
	setConfigFile(t, "")
	t.Setenv("DATABASE_URL", "postgres://localhost:1/starstraw")

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"seed", "--file", filepath.Join(t.TempDir(), "nope.yaml")})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing seed file")
	}
	if !strings.Contains(err.Error(), "nope.yaml") {
		t.Errorf("error = %v, should name the missing file", err)
	}
}

func TestSeed_MalformedFile(t *testing.T) {
	setConfigFile(t, "")
	t.Setenv("DATABASE_URL", "postgres://localhost:1/starstraw")

	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte("{not yaml: ["), 0o600); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"seed", "--file", path})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for malformed seed file")
	}
}

func TestLoadSeedServiceConfig_RequiresSource(t *testing.T) {
	setConfigFile(t, "")
	t.Setenv("DATABASE_URL", "")

	_, err := loadSeedServiceConfig()
	if err == nil {
		t.Fatal("expected error with no config and no DATABASE_URL")
	}
}

func TestLoadSeedServiceConfig_EnvOnly(t *testing.T) {
	setConfigFile(t, "")
	t.Setenv("DATABASE_URL", "postgres://env/db")

	cfg, err := loadSeedServiceConfig()
	if err != nil {
		t.Fatalf("loadSeedServiceConfig() error = %v", err)
	}
	if cfg.Database.URL != "postgres://env/db" {
		t.Errorf("URL = %q, want env value", cfg.Database.URL)
	}
	if len(cfg.Skills) != 0 {
		t.Errorf("env-only config should have no skills, got %v", cfg.Skills)
	}
}

func TestLoadSeedServiceConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  url: postgres://file/db
skills:
  - name: spirit
    thresholds: [0, 100, 500]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	setConfigFile(t, path)

	cfg, err := loadSeedServiceConfig()
	if err != nil {
		t.Fatalf("loadSeedServiceConfig() error = %v", err)
	}
	if cfg.Database.URL != "postgres://file/db" {
		t.Errorf("URL = %q, want file value", cfg.Database.URL)
	}
	if len(cfg.Skills) != 1 || cfg.Skills[0].Name != "spirit" {
		t.Errorf("skills = %v, want spirit", cfg.Skills)
	}
}
