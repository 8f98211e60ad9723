package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hollowoak/scbusd/internal/config"
)

func TestLoadOrCreateInstanceID_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mqtt-instance-id")

	first, err := loadOrCreateInstanceID(path)
	if err != nil {
		t.Fatalf("loadOrCreateInstanceID: %v", err)
	}
	if first == "" {
		t.Fatal("expected a non-empty instance id")
	}

	second, err := loadOrCreateInstanceID(path)
	if err != nil {
		t.Fatalf("loadOrCreateInstanceID (reload): %v", err)
	}
	if second != first {
		t.Errorf("instance id changed across reloads: %q != %q", first, second)
	}
}

func TestAssignMQTTInstanceIDs_FillsOnlyBlankIDs(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Connections = []config.ConnectionConfig{
		{Name: "bridge-a", Kind: "mqtt_bridge", MQTTBridge: &config.MQTTBridgeConfig{Broker: "tcp://broker:1883"}},
		{Name: "bridge-b", Kind: "mqtt_bridge", MQTTBridge: &config.MQTTBridgeConfig{Broker: "tcp://broker:1883", InstanceID: "preset"}},
	}

	if err := assignMQTTInstanceIDs(cfg, dir); err != nil {
		t.Fatalf("assignMQTTInstanceIDs: %v", err)
	}

	if cfg.Connections[0].MQTTBridge.InstanceID == "" {
		t.Error("expected bridge-a to receive a generated instance id")
	}
	if cfg.Connections[1].MQTTBridge.InstanceID != "preset" {
		t.Errorf("bridge-b instance id = %q, want unchanged %q", cfg.Connections[1].MQTTBridge.InstanceID, "preset")
	}

	if _, err := os.Stat(filepath.Join(dir, "mqtt-instance-id")); err != nil {
		t.Errorf("expected instance id file to be persisted: %v", err)
	}
}

func TestHostPort(t *testing.T) {
	cases := map[string]string{
		"tcp://broker.local:1883": "broker.local:1883",
		"tcp://*:5570":            "127.0.0.1:5570",
	}
	for endpoint, want := range cases {
		got, err := hostPort(endpoint)
		if err != nil {
			t.Fatalf("hostPort(%q): %v", endpoint, err)
		}
		if got != want {
			t.Errorf("hostPort(%q) = %q, want %q", endpoint, got, want)
		}
	}
}
