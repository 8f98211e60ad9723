// Package config handles scbusd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hollowoak/scbusd/internal/connection"
	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/transport/comedyserial"
	"github.com/hollowoak/scbusd/internal/transport/dmx"
	"github.com/hollowoak/scbusd/internal/transport/media"
	"github.com/hollowoak/scbusd/internal/transport/mqttbridge"
	"github.com/hollowoak/scbusd/internal/transport/zmqprimary"
	"github.com/hollowoak/scbusd/internal/transport/zmqsecondary"
)

// searchPathsFunc is overridden in tests so FindConfig doesn't pick up
// real config files sitting on a developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/scbusd/config.yaml, /config/config.yaml,
// /etc/scbusd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scbusd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/scbusd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all scbusd configuration: the bus's connection set and
// game identity, the web control plane's listen address, and the
// cue-schedule database path.
type Config struct {
	Listen         ListenConfig       `yaml:"listen"`
	PollInterval   time.Duration      `yaml:"poll_interval"`
	GameIdentityID *uint32            `yaml:"game_identity"`
	LogLevel       string             `yaml:"log_level"`
	CueScheduleDB  string             `yaml:"cue_schedule_db"`
	Connections    []ConnectionConfig `yaml:"connections"`
	Items          []ItemConfig       `yaml:"items"`
}

// ListenConfig defines the web control plane's HTTP listen address.
// Defaults to 127.0.0.1:64637.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ItemConfig seeds the reference handler's item registry: the
// description and display metadata the web control plane needs for
// getItem lookups.
type ItemConfig struct {
	ID          uint32 `yaml:"id"`
	Description string `yaml:"description"`
	// Display is one of: control, grouped, debug, label_control,
	// label_hidden, hidden (see ids.DisplayType).
	Display string `yaml:"display"`
}

// ConnectionConfig is the on-disk form of a connection.Descriptor: a
// named, kind-tagged entry carrying exactly one of the nested configs
// below.
type ConnectionConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	ComedySerial *ComedySerialConfig `yaml:"comedySerial,omitempty"`
	DMX          *DMXConfig          `yaml:"dmx,omitempty"`
	ZMQPrimary   *ZMQEndpointConfig  `yaml:"zmqPrimary,omitempty"`
	ZMQSecondary *ZMQEndpointConfig  `yaml:"zmqSecondary,omitempty"`
	Media        *MediaConfig        `yaml:"media,omitempty"`
	MQTTBridge   *MQTTBridgeConfig   `yaml:"mqttBridge,omitempty"`
}

// ComedySerialConfig configures a comedy_serial connection.
type ComedySerialConfig struct {
	Path string `yaml:"path"`
	Baud int    `yaml:"baud"`
}

// DMXConfig configures a dmx connection.
type DMXConfig struct {
	Path         string           `yaml:"path"`
	AllStopValue byte             `yaml:"allStopValue"`
	ChannelMap   map[uint32]uint16 `yaml:"channelMap"`
}

// ZMQEndpointConfig configures either a zmq_primary or zmq_secondary
// connection; both variants share the same send/recv endpoint shape.
type ZMQEndpointConfig struct {
	SendPath string `yaml:"sendPath"`
	RecvPath string `yaml:"recvPath"`
}

// MediaCueConfig configures a single media cue mapping.
type MediaCueConfig struct {
	Player  string   `yaml:"player"`
	Args    []string `yaml:"args"`
	File    string   `yaml:"file"`
	Channel uint32   `yaml:"channel"`
	// CompletionEventID, if set, is dispatched back through the bus once
	// this cue's player process exits successfully.
	CompletionEventID *uint32 `yaml:"completionEventId,omitempty"`
}

// MediaConfig configures a media connection.
type MediaConfig struct {
	MediaMap   map[uint32]MediaCueConfig `yaml:"mediaMap"`
	WindowMap  map[uint32]string         `yaml:"windowMap"`
	CueTimeout time.Duration             `yaml:"cueTimeout"`
}

// MQTTBridgeConfig configures an mqtt_bridge connection. InstanceID, if
// empty, is assigned at startup (see cmd/scbusd's instance-id helper).
type MQTTBridgeConfig struct {
	Broker     string `yaml:"broker"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Topic      string `yaml:"topic"`
	InstanceID string `yaml:"instanceId"`
}

// ToDescriptor converts a configured connection into the
// connection.Descriptor the bus's connection.NewSet consumes.
func (c ConnectionConfig) ToDescriptor() (connection.Descriptor, error) {
	switch c.Kind {
	case "comedy_serial":
		if c.ComedySerial == nil {
			return connection.Descriptor{}, fmt.Errorf("config: connection %q: kind comedy_serial requires comedySerial", c.Name)
		}
		return connection.Descriptor{
			Kind:         "comedy_serial",
			ComedySerial: comedyserial.Config{Path: c.ComedySerial.Path, Baud: c.ComedySerial.Baud},
		}, nil

	case "dmx":
		if c.DMX == nil {
			return connection.Descriptor{}, fmt.Errorf("config: connection %q: kind dmx requires dmx", c.Name)
		}
		return connection.Descriptor{
			Kind: "dmx",
			DMX: dmx.Config{
				Path:         c.DMX.Path,
				AllStopValue: c.DMX.AllStopValue,
				ChannelMap:   c.DMX.ChannelMap,
			},
		}, nil

	case "zmq_primary":
		if c.ZMQPrimary == nil {
			return connection.Descriptor{}, fmt.Errorf("config: connection %q: kind zmq_primary requires zmqPrimary", c.Name)
		}
		return connection.Descriptor{
			Kind:       "zmq_primary",
			ZMQPrimary: zmqprimary.Config{SendPath: c.ZMQPrimary.SendPath, RecvPath: c.ZMQPrimary.RecvPath},
		}, nil

	case "zmq_secondary":
		if c.ZMQSecondary == nil {
			return connection.Descriptor{}, fmt.Errorf("config: connection %q: kind zmq_secondary requires zmqSecondary", c.Name)
		}
		return connection.Descriptor{
			Kind:         "zmq_secondary",
			ZMQSecondary: zmqsecondary.Config{SendPath: c.ZMQSecondary.SendPath, RecvPath: c.ZMQSecondary.RecvPath},
		}, nil

	case "media":
		if c.Media == nil {
			return connection.Descriptor{}, fmt.Errorf("config: connection %q: kind media requires media", c.Name)
		}
		mediaMap := make(map[uint32]media.Cue, len(c.Media.MediaMap))
		for id, cue := range c.Media.MediaMap {
			mc := media.Cue{Player: cue.Player, Args: cue.Args, File: cue.File, Channel: cue.Channel}
			if cue.CompletionEventID != nil {
				completionID := ids.NewUnchecked(*cue.CompletionEventID)
				mc.CompletionEvent = &completionID
			}
			mediaMap[id] = mc
		}
		return connection.Descriptor{
			Kind: "media",
			Media: media.Config{
				MediaMap:   mediaMap,
				WindowMap:  c.Media.WindowMap,
				CueTimeout: c.Media.CueTimeout,
			},
		}, nil

	case "mqtt_bridge":
		if c.MQTTBridge == nil {
			return connection.Descriptor{}, fmt.Errorf("config: connection %q: kind mqtt_bridge requires mqttBridge", c.Name)
		}
		return connection.Descriptor{
			Kind: "mqtt_bridge",
			MQTTBridge: mqttbridge.Config{
				Broker:     c.MQTTBridge.Broker,
				Username:   c.MQTTBridge.Username,
				Password:   c.MQTTBridge.Password,
				Topic:      c.MQTTBridge.Topic,
				InstanceID: c.MQTTBridge.InstanceID,
			},
		}, nil

	default:
		return connection.Descriptor{}, fmt.Errorf("config: connection %q: unknown kind %q", c.Name, c.Kind)
	}
}

// BuildConnections converts every configured connection into a
// connection.Descriptor, preserving configuration order (the order the
// bus echoes and iterates adapters in).
func (c *Config) BuildConnections() (descriptors map[string]connection.Descriptor, order []string, err error) {
	descriptors = make(map[string]connection.Descriptor, len(c.Connections))
	order = make([]string, 0, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Name == "" {
			return nil, nil, fmt.Errorf("config: connection at index %d has no name", len(order))
		}
		d, convErr := conn.ToDescriptor()
		if convErr != nil {
			return nil, nil, convErr
		}
		descriptors[conn.Name] = d
		order = append(order, conn.Name)
	}
	return descriptors, order, nil
}

// GameIdentity converts the optional configured game identity into an
// ids.GameIdentity; an unset GameIdentity disables identity filtering.
func (c *Config) GameIdentity() ids.GameIdentity {
	if c.GameIdentityID == nil {
		return ids.Unfiltered()
	}
	return ids.NewGameIdentity(*c.GameIdentityID)
}

// ItemSeed builds the seed item registry the reference handler starts
// with from the configured ItemConfig list.
func (c *Config) ItemSeed() (map[uint32]ids.DescriptivePair, error) {
	seed := make(map[uint32]ids.DescriptivePair, len(c.Items))
	for _, item := range c.Items {
		id := ids.NewUnchecked(item.ID)
		display, err := parseDisplayKind(item.Display)
		if err != nil {
			return nil, fmt.Errorf("config: item %d: %w", item.ID, err)
		}
		seed[item.ID] = ids.NewDescriptivePair(id, item.Description, display)
	}
	return seed, nil
}

func parseDisplayKind(s string) (ids.DisplayType, error) {
	switch s {
	case "", "control":
		return ids.DisplayType{Kind: "control"}, nil
	case "grouped":
		return ids.DisplayType{Kind: "grouped"}, nil
	case "debug":
		return ids.DisplayType{Kind: "debug"}, nil
	case "label_control":
		return ids.DisplayType{Kind: "label_control"}, nil
	case "label_hidden":
		return ids.DisplayType{Kind: "label_hidden"}, nil
	case "hidden":
		return ids.HiddenDisplay(), nil
	default:
		return ids.DisplayType{}, fmt.Errorf("unknown display kind %q", s)
	}
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 64637
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	if c.CueScheduleDB == "" {
		c.CueScheduleDB = "./data/cueschedule.db"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.PollInterval < time.Millisecond || c.PollInterval > 50*time.Millisecond {
		return fmt.Errorf("poll_interval %s out of range (1ms-50ms)", c.PollInterval)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("connections: entry missing name")
		}
		if seen[conn.Name] {
			return fmt.Errorf("connections: duplicate name %q", conn.Name)
		}
		seen[conn.Name] = true
		if _, err := conn.ToDescriptor(); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with no connections
// configured: every field is valid, but the bus will start idle until
// connections are added.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
