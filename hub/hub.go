package hub

import (
	"github.com/metacubex/ipowd/config"
	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/hub/executor"
)

type Option = config.Option

func WithDevice(device string) Option {
	return func(cfg *config.RawConfig) {
		cfg.Device = device
	}
}

func WithMode(mode C.ChannelMode) Option {
	return func(cfg *config.RawConfig) {
		cfg.Mode = mode
	}
}

func WithInboundPath(path string) Option {
	return func(cfg *config.RawConfig) {
		cfg.InboundPath = path
	}
}

func WithOutboundPath(path string) Option {
	return func(cfg *config.RawConfig) {
		cfg.OutboundPath = path
	}
}

// Parse call at the beginning of ipowd. Options are validated together with
// the config file.
func Parse(options ...Option) (*config.Config, error) {
	cfg, err := executor.Parse(options...)
	if err != nil {
		return nil, err
	}

	executor.ApplyConfig(cfg, true)
	return cfg, nil
}

// Run parses the config and starts forwarding.
func Run(options ...Option) (<-chan error, error) {
	cfg, err := Parse(options...)
	if err != nil {
		return nil, err
	}

	return executor.Start(cfg)
}
