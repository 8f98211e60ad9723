package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Override searchPathsFunc to avoid finding real config files on
	// developer/deploy machines.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("connections:\n  - name: bridge\n    kind: mqtt_bridge\n    mqttBridge:\n      broker: tcp://broker:1883\n      password: ${SCBUSD_TEST_PASSWORD}\n      topic: scbus/events\n"), 0600)
	os.Setenv("SCBUSD_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("SCBUSD_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Connections[0].MQTTBridge.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Connections[0].MQTTBridge.Password, "secret123")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Listen.Address != "127.0.0.1" {
		t.Errorf("listen.address = %q, want 127.0.0.1", cfg.Listen.Address)
	}
	if cfg.Listen.Port != 64637 {
		t.Errorf("listen.port = %d, want 64637", cfg.Listen.Port)
	}
	if cfg.PollInterval != 20*time.Millisecond {
		t.Errorf("poll_interval = %s, want 20ms", cfg.PollInterval)
	}
	if cfg.CueScheduleDB != "./data/cueschedule.db" {
		t.Errorf("cue_schedule_db = %q, want ./data/cueschedule.db", cfg.CueScheduleDB)
	}
}

func TestValidate_PollIntervalOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.PollInterval = 100 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for poll_interval above 50ms")
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for listen.port out of range")
	}
}

func TestValidate_DuplicateConnectionName(t *testing.T) {
	cfg := Default()
	cfg.Connections = []ConnectionConfig{
		{Name: "a", Kind: "dmx", DMX: &DMXConfig{Path: "/dev/ttyUSB0"}},
		{Name: "a", Kind: "dmx", DMX: &DMXConfig{Path: "/dev/ttyUSB1"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate connection name")
	}
}

func TestValidate_UnknownConnectionKind(t *testing.T) {
	cfg := Default()
	cfg.Connections = []ConnectionConfig{{Name: "a", Kind: "carrier_pigeon"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown connection kind")
	}
}

func TestBuildConnections_Order(t *testing.T) {
	cfg := Default()
	cfg.Connections = []ConnectionConfig{
		{Name: "first", Kind: "dmx", DMX: &DMXConfig{Path: "/dev/ttyUSB0"}},
		{Name: "second", Kind: "zmq_primary", ZMQPrimary: &ZMQEndpointConfig{SendPath: "tcp://*:5570", RecvPath: "tcp://*:5571"}},
	}
	descriptors, order, err := cfg.BuildConnections()
	if err != nil {
		t.Fatalf("BuildConnections error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
	if len(descriptors) != 2 {
		t.Errorf("descriptors len = %d, want 2", len(descriptors))
	}
}

func TestGameIdentity_Unset(t *testing.T) {
	cfg := Default()
	identity := cfg.GameIdentity()
	if _, set := identity.Value(); set {
		t.Error("expected unfiltered identity when game_identity is unset")
	}
}

func TestGameIdentity_Set(t *testing.T) {
	cfg := Default()
	id := uint32(7)
	cfg.GameIdentityID = &id
	identity := cfg.GameIdentity()
	v, set := identity.Value()
	if !set || v != 7 {
		t.Errorf("GameIdentity() = (%d, %v), want (7, true)", v, set)
	}
}

func TestItemSeed(t *testing.T) {
	cfg := Default()
	cfg.Items = []ItemConfig{{ID: 42, Description: "Start Ride", Display: "control"}}
	seed, err := cfg.ItemSeed()
	if err != nil {
		t.Fatalf("ItemSeed error: %v", err)
	}
	pair, ok := seed[42]
	if !ok {
		t.Fatal("expected item 42 in seed map")
	}
	if pair.Description != "Start Ride" {
		t.Errorf("description = %q, want %q", pair.Description, "Start Ride")
	}
}

func TestItemSeed_UnknownDisplay(t *testing.T) {
	cfg := Default()
	cfg.Items = []ItemConfig{{ID: 1, Display: "floating_marquee"}}
	if _, err := cfg.ItemSeed(); err == nil {
		t.Fatal("expected error for unknown display kind")
	}
}
