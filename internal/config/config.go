// Package config handles sapd configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the top-level configuration, rooted at the `sap:` key in YAML.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Listener  ListenerConfig  `mapstructure:"listener" yaml:"listener"`
	Announcer AnnouncerConfig `mapstructure:"announcer" yaml:"announcer"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level" yaml:"level"`   // trace / debug / info / warn / error
	Format     string           `mapstructure:"format" yaml:"format"` // text / json
	Pattern    string           `mapstructure:"pattern" yaml:"pattern,omitempty"`
	TimeLayout string           `mapstructure:"time_layout" yaml:"time_layout,omitempty"`
	Outputs    LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains additional log destinations. Stdout is always on.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Listener ───

// Key scopes for the session directory.
const (
	KeyScopeMessageID = "message_id"
	KeyScopeOrigin    = "origin"
)

// Sink drivers.
const (
	SinkFile    = "file"
	SinkSQLite  = "sqlite"
	SinkConsole = "console"
)

// ListenerConfig configures the receiving side.
type ListenerConfig struct {
	Group         string        `mapstructure:"group" yaml:"group"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Interface     string        `mapstructure:"interface" yaml:"interface,omitempty"`
	Expire        time.Duration `mapstructure:"expire" yaml:"expire"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	OutputDir     string        `mapstructure:"output_dir" yaml:"output_dir"`
	KeyScope      string        `mapstructure:"key_scope" yaml:"key_scope"`
	Sink          SinkConfig    `mapstructure:"sink" yaml:"sink"`
}

// SinkConfig selects where session documents are persisted.
type SinkConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path,omitempty"` // sqlite database file
	Extension string `mapstructure:"extension" yaml:"extension"`
}

// ─── Announcer ───

// AnnouncerConfig configures the sending side.
type AnnouncerConfig struct {
	Group         string        `mapstructure:"group" yaml:"group"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Interface     string        `mapstructure:"interface" yaml:"interface,omitempty"`
	OriginAddress netip.Addr    `mapstructure:"origin_address" yaml:"origin_address"`
	MulticastTTL  int           `mapstructure:"multicast_ttl" yaml:"multicast_ttl"`
	BurstCount    int           `mapstructure:"burst_count" yaml:"burst_count"`
	BurstInterval time.Duration `mapstructure:"burst_interval" yaml:"burst_interval"`
	IntervalMin   time.Duration `mapstructure:"interval_min" yaml:"interval_min"`
	IntervalMax   time.Duration `mapstructure:"interval_max" yaml:"interval_max"`
	Watch         bool          `mapstructure:"watch" yaml:"watch"`
	Sessions      []SessionSpec `mapstructure:"sessions" yaml:"sessions"`
}

// SessionSpec describes one locally announced session: either an SDP file
// (Document) or the fields used to build one.
type SessionSpec struct {
	Document       string `mapstructure:"document" yaml:"document,omitempty"`
	Name           string `mapstructure:"name" yaml:"name,omitempty"`
	Group          string `mapstructure:"group" yaml:"group,omitempty"`
	Port           int    `mapstructure:"port" yaml:"port,omitempty"`
	PayloadType    *int   `mapstructure:"payload_type" yaml:"payload_type,omitempty"`
	Encoding       string `mapstructure:"encoding" yaml:"encoding,omitempty"`
	ClockRate      int    `mapstructure:"clock_rate" yaml:"clock_rate,omitempty"`
	ProfileLevelID string `mapstructure:"profile_level_id" yaml:"profile_level_id,omitempty"`
	Source         string `mapstructure:"source" yaml:"source,omitempty"`
	TTL            int    `mapstructure:"ttl" yaml:"ttl,omitempty"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `sap: ...`.
type configRoot struct {
	SAP Config `mapstructure:"sap"`
}

// Load loads configuration from path. An empty path yields defaults plus
// environment overrides. Env vars map from keys, e.g. sap.listener.expire →
// SAP_LISTENER_EXPIRE.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := decode(v.AllSettings(), &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.SAP

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// decode maps viper's settings tree onto typed structs.
func decode(input map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToAddrHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func stringToAddrHookFunc() mapstructure.DecodeHookFuncType {
	addrType := reflect.TypeOf(netip.Addr{})
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != addrType {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return netip.Addr{}, nil
		}
		return netip.ParseAddr(s)
	}
}

// setDefaults sets default values. All keys use the "sap." prefix to match
// the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("sap.log.level", "info")
	v.SetDefault("sap.log.format", "text")
	v.SetDefault("sap.log.outputs.file.enabled", false)
	v.SetDefault("sap.log.outputs.file.path", "/var/log/sapd/sapd.log")
	v.SetDefault("sap.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("sap.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("sap.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("sap.log.outputs.file.rotation.compress", true)

	// Listener defaults
	v.SetDefault("sap.listener.group", "224.2.127.254")
	v.SetDefault("sap.listener.port", 9875)
	v.SetDefault("sap.listener.expire", "300s")
	v.SetDefault("sap.listener.sweep_interval", "30s")
	v.SetDefault("sap.listener.output_dir", ".")
	v.SetDefault("sap.listener.key_scope", KeyScopeMessageID)
	v.SetDefault("sap.listener.sink.driver", SinkFile)
	v.SetDefault("sap.listener.sink.path", "sessions.db")
	v.SetDefault("sap.listener.sink.extension", ".sdp")

	// Announcer defaults
	v.SetDefault("sap.announcer.group", "224.2.127.254")
	v.SetDefault("sap.announcer.port", 9875)
	v.SetDefault("sap.announcer.origin_address", "")
	v.SetDefault("sap.announcer.multicast_ttl", 1)
	v.SetDefault("sap.announcer.burst_count", 3)
	v.SetDefault("sap.announcer.burst_interval", "1s")
	v.SetDefault("sap.announcer.interval_min", "60s")
	v.SetDefault("sap.announcer.interval_max", "120s")
	v.SetDefault("sap.announcer.watch", true)

	// Metrics defaults
	v.SetDefault("sap.metrics.enabled", false)
	v.SetDefault("sap.metrics.listen", ":9876")
	v.SetDefault("sap.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and resolves runtime values.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Listener ──
	l := &cfg.Listener
	if err := validateGroup("listener", l.Group, l.Port); err != nil {
		return err
	}
	if l.Expire <= 0 {
		return fmt.Errorf("listener.expire must be positive, got %s", l.Expire)
	}
	if l.SweepInterval <= 0 {
		return fmt.Errorf("listener.sweep_interval must be positive, got %s", l.SweepInterval)
	}
	if l.KeyScope != KeyScopeMessageID && l.KeyScope != KeyScopeOrigin {
		return fmt.Errorf("invalid listener.key_scope: %s (must be %s/%s)", l.KeyScope, KeyScopeMessageID, KeyScopeOrigin)
	}
	switch l.Sink.Driver {
	case SinkFile:
		if l.OutputDir == "" {
			l.OutputDir = "."
		}
	case SinkSQLite:
		if l.Sink.Path == "" {
			return fmt.Errorf("listener.sink.path is required when listener.sink.driver=sqlite")
		}
	case SinkConsole:
	default:
		return fmt.Errorf("unsupported listener.sink.driver: %s (must be %s/%s/%s)", l.Sink.Driver, SinkFile, SinkSQLite, SinkConsole)
	}

	// ── Announcer ──
	a := &cfg.Announcer
	if err := validateGroup("announcer", a.Group, a.Port); err != nil {
		return err
	}
	if a.MulticastTTL < 1 || a.MulticastTTL > 255 {
		return fmt.Errorf("announcer.multicast_ttl must be within 1..255, got %d", a.MulticastTTL)
	}
	if a.BurstCount < 0 {
		return fmt.Errorf("announcer.burst_count must not be negative, got %d", a.BurstCount)
	}
	if a.IntervalMin <= 0 || a.IntervalMax < a.IntervalMin {
		return fmt.Errorf("announcer interval bounds must satisfy 0 < interval_min <= interval_max, got %s..%s",
			a.IntervalMin, a.IntervalMax)
	}
	for i, s := range a.Sessions {
		if s.Document == "" && s.Name == "" {
			return fmt.Errorf("announcer.sessions[%d]: either document or name is required", i)
		}
		if s.PayloadType != nil && (*s.PayloadType < 0 || *s.PayloadType > 127) {
			return fmt.Errorf("announcer.sessions[%d]: payload_type must be within 0..127, got %d", i, *s.PayloadType)
		}
	}
	if a.OriginAddress.IsValid() && !a.OriginAddress.Is4() {
		return fmt.Errorf("announcer.origin_address must be IPv4, got %s", a.OriginAddress)
	}
	if !a.OriginAddress.IsValid() {
		a.OriginAddress = resolveOriginAddress()
	}

	return nil
}

func validateGroup(section, group string, port int) error {
	addr, err := netip.ParseAddr(group)
	if err != nil || !addr.Is4() || !addr.IsMulticast() {
		return fmt.Errorf("%s.group must be an IPv4 multicast address, got %q", section, group)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s.port out of range: %d", section, port)
	}
	return nil
}

// resolveOriginAddress picks the first up, non-loopback, non-link-local IPv4
// address, falling back to 0.0.0.0 like an unbound sender would.
func resolveOriginAddress() netip.Addr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.IPv4Unspecified()
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
			if !ok || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip
		}
	}

	return netip.IPv4Unspecified()
}

// Hostname is used for log context; errors degrade to "unknown".
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
