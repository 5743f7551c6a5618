// Package config loads the test-stand runtime configuration.
//
// Configuration lives in a directory of YAML files. Every *.yaml/*.yml file is
// applied in lexical order onto the same Config value, so a later file only
// overrides the keys it names. After decoding, omitted values are filled with
// defaults taken from the bench hardware (see normalize) and the result is
// validated; an invalid file is a startup failure.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Link roles used by classification rules.
const (
	RoleTelemetry = "telemetry"
	RoleActuator  = "actuator"
)

// Classification rule kinds, in priority order.
const (
	RuleKindPath        = "path"
	RuleKindProbe       = "probe"
	RuleKindDescription = "description"
)

// Config represents the complete station configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Links     LinksConfig     `yaml:"links"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Persist   PersistConfig   `yaml:"persist"`
	Commands  CommandsConfig  `yaml:"commands"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Archive   ArchiveConfig   `yaml:"archive"`
	State     StateConfig     `yaml:"state"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// LoadedFrom records the directory the configuration was read from.
	LoadedFrom string `yaml:"-"`
}

// ServerConfig contains general station settings.
type ServerConfig struct {
	Name                 string `yaml:"name"`
	StatsIntervalSeconds int    `yaml:"stats_interval_seconds"`
}

// SerialConfig describes the framing of one physical link.
type SerialConfig struct {
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
}

// ClassifierRule maps a device signature to a link role.
type ClassifierRule struct {
	Kind     string `yaml:"kind"`
	Contains string `yaml:"contains"`
	Role     string `yaml:"role"`
}

// LinksConfig contains serial discovery and supervision settings.
type LinksConfig struct {
	Telemetry                 SerialConfig     `yaml:"telemetry"`
	Actuator                  SerialConfig     `yaml:"actuator"`
	ProbeBaud                 int              `yaml:"probe_baud"`
	ReadTimeoutMS             int              `yaml:"read_timeout_ms"`
	ProbeDelayMS              int              `yaml:"probe_delay_ms"`
	WatchdogTimeoutMS         int              `yaml:"watchdog_timeout_ms"`
	RediscoverIntervalSeconds int              `yaml:"rediscover_interval_seconds"`
	DiscoveryRetries          int              `yaml:"discovery_retries"`
	DiscoveryDelayMS          int              `yaml:"discovery_delay_ms"`
	Rules                     []ClassifierRule `yaml:"rules"`
}

// BufferConfig sizes the in-memory telemetry buffer.
type BufferConfig struct {
	Capacity  int     `yaml:"capacity"`
	WarnRatio float64 `yaml:"warn_ratio"`
}

// PersistConfig controls snapshot files and crash backups.
type PersistConfig struct {
	Dir                 string `yaml:"dir"`
	Compression         string `yaml:"compression"`
	SaveIntervalSeconds int    `yaml:"save_interval_seconds"`
	SaveEveryRows       int    `yaml:"save_every_rows"`
	BackupEveryRows     int    `yaml:"backup_every_rows"`
	MaxFiles            int    `yaml:"max_files"`
}

// CommandsConfig controls the valve, scenario and actuator channels.
type CommandsConfig struct {
	ActuatorQueueSize     int      `yaml:"actuator_queue_size"`
	ResponseTimeoutMS     int      `yaml:"response_timeout_ms"`
	CallerTimeoutMS       int      `yaml:"caller_timeout_ms"`
	EmergencyDelayMS      int      `yaml:"emergency_delay_ms"`
	EmergencyAckTimeoutMS int      `yaml:"emergency_ack_timeout_ms"`
	Scenarios             []string `yaml:"scenarios"`
	SuccessMarkers        []string `yaml:"success_markers"`
	AckPrefixes           []string `yaml:"ack_prefixes"`
	AckContains           []string `yaml:"ack_contains"`
}

// BroadcastConfig controls the observer socket.
type BroadcastConfig struct {
	Listen          string `yaml:"listen"`
	Path            string `yaml:"path"`
	ThrottleDivisor int    `yaml:"throttle_divisor"`
	Encoding        string `yaml:"encoding"`
	QueueSize       int    `yaml:"queue_size"`
	WriteTimeoutMS  int    `yaml:"write_timeout_ms"`
}

// ArchiveConfig controls the SQLite command journal.
type ArchiveConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"`
	QueueSize              int    `yaml:"queue_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
	RetentionDays          int    `yaml:"retention_days"`
	BusyTimeoutMS          int    `yaml:"busy_timeout_ms"`
}

// StateConfig controls the durable operator state store.
type StateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// MQTTConfig controls the optional telemetry relay.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
}

// LoggingConfig contains file logging settings. Console logging is always on.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// MetricsConfig controls the Prometheus endpoint on the observer server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default builds a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.normalize()
	return cfg
}

// Load reads every YAML file in dir, overlays them in lexical order, fills
// defaults and validates the result. A path that is not a directory is rejected.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config path %q is not a directory", dir)
	}
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files found in %q", dir)
	}

	var cfg Config
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filepath.Base(path), err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
		}
	}
	cfg.LoadedFrom = dir
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// DefaultRules returns the bench classification rules: device paths first,
// then the first probe line, then the USB product description.
func DefaultRules() []ClassifierRule {
	return []ClassifierRule{
		{Kind: RuleKindPath, Contains: "ttyACM", Role: RoleTelemetry},
		{Kind: RuleKindPath, Contains: "ttyUSB", Role: RoleActuator},
		{Kind: RuleKindProbe, Contains: "STM", Role: RoleTelemetry},
		{Kind: RuleKindProbe, Contains: "ARDUINO", Role: RoleActuator},
		{Kind: RuleKindDescription, Contains: "CH340", Role: RoleActuator},
		{Kind: RuleKindDescription, Contains: "STM", Role: RoleTelemetry},
	}
}

// DefaultScenarios lists the named sequences the flight computer understands.
func DefaultScenarios() []string {
	return []string{"o2cleaning", "fuelcleaning", "preburning", "burningstart", "burning", "emergency"}
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Server.Name) == "" {
		c.Server.Name = "teststand"
	}
	if c.Server.StatsIntervalSeconds <= 0 {
		c.Server.StatsIntervalSeconds = 30
	}

	l := &c.Links
	normalizeSerial(&l.Telemetry, 230400)
	normalizeSerial(&l.Actuator, 115200)
	if l.ProbeBaud <= 0 {
		l.ProbeBaud = 115200
	}
	if l.ReadTimeoutMS <= 0 {
		l.ReadTimeoutMS = 100
	}
	if l.ProbeDelayMS <= 0 {
		l.ProbeDelayMS = 500
	}
	if l.WatchdogTimeoutMS <= 0 {
		l.WatchdogTimeoutMS = 5000
	}
	if l.RediscoverIntervalSeconds <= 0 {
		l.RediscoverIntervalSeconds = 10
	}
	if l.DiscoveryRetries <= 0 {
		l.DiscoveryRetries = 5
	}
	if l.DiscoveryDelayMS <= 0 {
		l.DiscoveryDelayMS = 2000
	}
	if len(l.Rules) == 0 {
		l.Rules = DefaultRules()
	}
	for i := range l.Rules {
		l.Rules[i].Kind = strings.ToLower(strings.TrimSpace(l.Rules[i].Kind))
		l.Rules[i].Role = strings.ToLower(strings.TrimSpace(l.Rules[i].Role))
	}

	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = 10_000 * 60 * 10
	}
	if c.Buffer.WarnRatio <= 0 {
		c.Buffer.WarnRatio = 0.9
	}

	p := &c.Persist
	if strings.TrimSpace(p.Dir) == "" {
		p.Dir = "data/logs"
	}
	p.Compression = strings.ToLower(strings.TrimSpace(p.Compression))
	if p.Compression == "" {
		p.Compression = "zstd"
	}
	if p.SaveIntervalSeconds <= 0 {
		p.SaveIntervalSeconds = 120
	}
	if p.SaveEveryRows <= 0 {
		p.SaveEveryRows = 10_000
	}
	if p.BackupEveryRows <= 0 {
		p.BackupEveryRows = 1_000
	}
	if p.MaxFiles <= 0 {
		p.MaxFiles = 100
	}

	cm := &c.Commands
	if cm.ActuatorQueueSize <= 0 {
		cm.ActuatorQueueSize = 16
	}
	if cm.ResponseTimeoutMS <= 0 {
		cm.ResponseTimeoutMS = 500
	}
	if cm.CallerTimeoutMS <= 0 {
		cm.CallerTimeoutMS = 2000
	}
	if cm.EmergencyDelayMS <= 0 {
		cm.EmergencyDelayMS = 200
	}
	if cm.EmergencyAckTimeoutMS <= 0 {
		cm.EmergencyAckTimeoutMS = 2000
	}
	if len(cm.Scenarios) == 0 {
		cm.Scenarios = DefaultScenarios()
	}
	for i := range cm.Scenarios {
		cm.Scenarios[i] = strings.ToLower(strings.TrimSpace(cm.Scenarios[i]))
	}
	if len(cm.SuccessMarkers) == 0 {
		cm.SuccessMarkers = []string{"Yeni Pozisyon", "Motor dönüş tamamlandı"}
	}
	if len(cm.AckPrefixes) == 0 {
		cm.AckPrefixes = []string{"ack:", "nack:"}
	}
	if len(cm.AckContains) == 0 {
		cm.AckContains = []string{"gelen komut", "emergency", "acil"}
	}

	b := &c.Broadcast
	if strings.TrimSpace(b.Listen) == "" {
		b.Listen = ":5001"
	}
	if strings.TrimSpace(b.Path) == "" {
		b.Path = "/ws"
	}
	if b.ThrottleDivisor <= 0 {
		b.ThrottleDivisor = 3
	}
	b.Encoding = strings.ToLower(strings.TrimSpace(b.Encoding))
	if b.Encoding == "" {
		b.Encoding = "binary"
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 256
	}
	if b.WriteTimeoutMS <= 0 {
		b.WriteTimeoutMS = 2000
	}

	a := &c.Archive
	if strings.TrimSpace(a.DBPath) == "" {
		a.DBPath = "data/journal/commands.db"
	}
	if a.QueueSize <= 0 {
		a.QueueSize = 1000
	}
	if a.BatchSize <= 0 {
		a.BatchSize = 50
	}
	if a.BatchIntervalMS <= 0 {
		a.BatchIntervalMS = 500
	}
	if a.CleanupIntervalSeconds <= 0 {
		a.CleanupIntervalSeconds = 3600
	}
	if a.RetentionDays <= 0 {
		a.RetentionDays = 90
	}
	if a.BusyTimeoutMS <= 0 {
		a.BusyTimeoutMS = 1000
	}

	if strings.TrimSpace(c.State.Dir) == "" {
		c.State.Dir = "data/state"
	}

	m := &c.MQTT
	if m.Port <= 0 {
		m.Port = 1883
	}
	if strings.TrimSpace(m.Topic) == "" {
		m.Topic = "teststand/telemetry"
	}
	if strings.TrimSpace(m.ClientID) == "" {
		m.ClientID = c.Server.Name
	}

	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = "data/applog"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}

	if strings.TrimSpace(c.Metrics.Path) == "" {
		c.Metrics.Path = "/metrics"
	}
}

func normalizeSerial(s *SerialConfig, baud int) {
	if s.Baud <= 0 {
		s.Baud = baud
	}
	if s.DataBits <= 0 {
		s.DataBits = 8
	}
	s.Parity = strings.ToLower(strings.TrimSpace(s.Parity))
	if s.Parity == "" {
		s.Parity = "none"
	}
	if s.StopBits <= 0 {
		s.StopBits = 1
	}
}

func (c *Config) validate() error {
	for _, s := range []struct {
		name string
		cfg  SerialConfig
	}{{"telemetry", c.Links.Telemetry}, {"actuator", c.Links.Actuator}} {
		switch s.cfg.Parity {
		case "none", "even", "odd":
		default:
			return fmt.Errorf("links.%s.parity: unsupported value %q", s.name, s.cfg.Parity)
		}
		if s.cfg.StopBits != 1 && s.cfg.StopBits != 2 {
			return fmt.Errorf("links.%s.stop_bits: must be 1 or 2, got %d", s.name, s.cfg.StopBits)
		}
		if s.cfg.DataBits < 5 || s.cfg.DataBits > 8 {
			return fmt.Errorf("links.%s.data_bits: must be 5-8, got %d", s.name, s.cfg.DataBits)
		}
	}
	for i, rule := range c.Links.Rules {
		switch rule.Kind {
		case RuleKindPath, RuleKindProbe, RuleKindDescription:
		default:
			return fmt.Errorf("links.rules[%d].kind: unsupported value %q", i, rule.Kind)
		}
		if rule.Role != RoleTelemetry && rule.Role != RoleActuator {
			return fmt.Errorf("links.rules[%d].role: unsupported value %q", i, rule.Role)
		}
		if strings.TrimSpace(rule.Contains) == "" {
			return fmt.Errorf("links.rules[%d].contains: must not be empty", i)
		}
	}
	if c.Buffer.WarnRatio > 1 {
		return fmt.Errorf("buffer.warn_ratio: must be in (0,1], got %g", c.Buffer.WarnRatio)
	}
	switch c.Persist.Compression {
	case "zstd", "lz4", "none":
	default:
		return fmt.Errorf("persist.compression: unsupported value %q", c.Persist.Compression)
	}
	switch c.Broadcast.Encoding {
	case "binary", "text":
	default:
		return fmt.Errorf("broadcast.encoding: unsupported value %q", c.Broadcast.Encoding)
	}
	if !strings.HasPrefix(c.Broadcast.Path, "/") {
		return fmt.Errorf("broadcast.path: must start with '/', got %q", c.Broadcast.Path)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos: must be 0-2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker: required when mqtt is enabled")
	}
	return nil
}

// Print displays the effective configuration summary.
func (c *Config) Print() {
	fmt.Printf("Station: %s (config %s)\n", c.Server.Name, c.LoadedFrom)
	fmt.Printf("Links: telemetry %d baud, actuator %d baud, watchdog %s\n",
		c.Links.Telemetry.Baud, c.Links.Actuator.Baud, c.WatchdogTimeout())
	fmt.Printf("Buffer: %d rows (warn at %.0f%%)\n", c.Buffer.Capacity, c.Buffer.WarnRatio*100)
	fmt.Printf("Persist: %s (%s, every %ds / %d rows, keep %d)\n",
		c.Persist.Dir, c.Persist.Compression, c.Persist.SaveIntervalSeconds, c.Persist.SaveEveryRows, c.Persist.MaxFiles)
	fmt.Printf("Broadcast: %s%s (%s, 1 of %d frames)\n",
		c.Broadcast.Listen, c.Broadcast.Path, c.Broadcast.Encoding, c.Broadcast.ThrottleDivisor)
	if c.Archive.Enabled {
		fmt.Printf("Journal: %s (retention %dd)\n", c.Archive.DBPath, c.Archive.RetentionDays)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
}

// ReadTimeout returns the serial poll timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Links.ReadTimeoutMS) * time.Millisecond
}

// WatchdogTimeout returns the telemetry staleness window.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.Links.WatchdogTimeoutMS) * time.Millisecond
}

// RediscoverInterval returns the pause between rediscovery checks while disconnected.
func (c *Config) RediscoverInterval() time.Duration {
	return time.Duration(c.Links.RediscoverIntervalSeconds) * time.Second
}

// SaveInterval returns the wall-clock save period.
func (c *Config) SaveInterval() time.Duration {
	return time.Duration(c.Persist.SaveIntervalSeconds) * time.Second
}
