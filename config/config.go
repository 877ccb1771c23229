package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// sun_path of struct sockaddr_un, terminator included
const maxSocketPath = 108

// General config
type General struct {
	LogLevel     log.LogLevel  `json:"log-level"`
	LogFile      string        `json:"log-file"`
	StatInterval time.Duration `json:"stat-interval"`
}

// Tun config
type Tun struct {
	Device         string     `json:"device"`
	FileDescriptor int        `json:"file-descriptor"`
	LocalAddress   netip.Addr `json:"local-address"`
	PeerAddress    netip.Addr `json:"peer-address"`
}

// Channel config
type Channel struct {
	Mode         C.ChannelMode `json:"mode"`
	InboundPath  string        `json:"inbound-path"`
	OutboundPath string        `json:"outbound-path"`
}

// Config is ipowd config manager
type Config struct {
	General *General
	Tun     *Tun
	Channel *Channel
}

type RawConfig struct {
	LogLevel       log.LogLevel  `yaml:"log-level" json:"log-level"`
	LogFile        string        `yaml:"log-file" json:"log-file"`
	StatInterval   int           `yaml:"stat-interval" json:"stat-interval"`
	Device         string        `yaml:"device" json:"device"`
	FileDescriptor int           `yaml:"file-descriptor" json:"file-descriptor"`
	LocalAddress   string        `yaml:"local-address" json:"local-address"`
	PeerAddress    string        `yaml:"peer-address" json:"peer-address"`
	Mode           C.ChannelMode `yaml:"mode" json:"mode"`
	InboundPath    string        `yaml:"inbound-path" json:"inbound-path"`
	OutboundPath   string        `yaml:"outbound-path" json:"outbound-path"`

	Override []RawOverride `yaml:"override" json:"override"`
}

// Parse config
func Parse(buf []byte) (*Config, error) {
	rawCfg, err := UnmarshalRawConfig(buf)
	if err != nil {
		return nil, err
	}

	return ParseRawConfig(rawCfg)
}

func DefaultRawConfig() *RawConfig {
	return &RawConfig{
		LogLevel:       log.INFO,
		StatInterval:   60,
		FileDescriptor: -1,
		LocalAddress:   C.DefaultLocalAddress,
		PeerAddress:    C.DefaultPeerAddress,
		Mode:           C.ChannelDatagram,
		InboundPath:    C.DefaultInboundPath,
		OutboundPath:   C.DefaultOutboundPath,
	}
}

func UnmarshalRawConfig(buf []byte) (*RawConfig, error) {
	// config with default value
	rawCfg := DefaultRawConfig()

	if err := yaml.Unmarshal(buf, rawCfg); err != nil {
		return nil, err
	}

	return rawCfg, nil
}

// Option changes a raw config after overrides and before validation, so
// command line values win over the file and are checked like it.
type Option func(*RawConfig)

func ParseRawConfig(rawCfg *RawConfig, options ...Option) (*Config, error) {
	if err := ApplyOverride(rawCfg, rawCfg.Override); err != nil {
		return nil, err
	}
	for _, option := range options {
		option(rawCfg)
	}

	config := &Config{}

	general, err := parseGeneral(rawCfg)
	if err != nil {
		return nil, err
	}
	config.General = general

	tun, err := parseTun(rawCfg)
	if err != nil {
		return nil, err
	}
	config.Tun = tun

	channel, err := parseChannel(rawCfg)
	if err != nil {
		return nil, err
	}
	config.Channel = channel

	return config, nil
}

func parseGeneral(cfg *RawConfig) (*General, error) {
	if cfg.StatInterval < 0 {
		return nil, fmt.Errorf("stat-interval must not be negative: %d", cfg.StatInterval)
	}

	logFile := cfg.LogFile
	if logFile != "" {
		logFile = C.Path.Resolve(logFile)
	}

	return &General{
		LogLevel:     cfg.LogLevel,
		LogFile:      logFile,
		StatInterval: time.Duration(cfg.StatInterval) * time.Second,
	}, nil
}

func parseTun(cfg *RawConfig) (*Tun, error) {
	if len(cfg.Device) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("device name %q is longer than %d bytes", cfg.Device, unix.IFNAMSIZ-1)
	}
	if cfg.FileDescriptor < -1 {
		return nil, fmt.Errorf("invalid file-descriptor %d", cfg.FileDescriptor)
	}

	local, err := netip.ParseAddr(cfg.LocalAddress)
	if err != nil {
		return nil, fmt.Errorf("local-address: %w", err)
	}
	peer, err := netip.ParseAddr(cfg.PeerAddress)
	if err != nil {
		return nil, fmt.Errorf("peer-address: %w", err)
	}
	if local.Is4() != peer.Is4() {
		return nil, errors.New("local-address and peer-address must be of the same family")
	}
	if local == peer {
		return nil, errors.New("local-address and peer-address must differ")
	}

	return &Tun{
		Device:         cfg.Device,
		FileDescriptor: cfg.FileDescriptor,
		LocalAddress:   local,
		PeerAddress:    peer,
	}, nil
}

func parseChannel(cfg *RawConfig) (*Channel, error) {
	if cfg.InboundPath == "" || cfg.OutboundPath == "" {
		return nil, errors.New("inbound-path and outbound-path are required")
	}

	inbound := filepath.Clean(C.Path.Resolve(cfg.InboundPath))
	outbound := filepath.Clean(C.Path.Resolve(cfg.OutboundPath))
	if inbound == outbound {
		return nil, fmt.Errorf("inbound-path and outbound-path are the same file: %s", inbound)
	}

	if cfg.Mode == C.ChannelDatagram {
		for _, path := range []string{inbound, outbound} {
			if len(path) >= maxSocketPath {
				return nil, fmt.Errorf("socket path %s is longer than %d bytes", path, maxSocketPath-1)
			}
		}
	}

	return &Channel{
		Mode:         cfg.Mode,
		InboundPath:  inbound,
		OutboundPath: outbound,
	}, nil
}
