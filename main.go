package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/metacubex/ipowd/config"
	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/hub"
	"github.com/metacubex/ipowd/hub/executor"
	"github.com/metacubex/ipowd/log"

	"go.uber.org/automaxprocs/maxprocs"
)

var (
	version      bool
	testConfig   bool
	homeDir      string
	configFile   string
	device       string
	mode         string
	inboundPath  string
	outboundPath string
)

func init() {
	flag.StringVar(&homeDir, "d", os.Getenv("IPOWD_HOME_DIR"), "set configuration directory")
	flag.StringVar(&configFile, "f", os.Getenv("IPOWD_CONFIG_FILE"), "specify configuration file")
	flag.StringVar(&device, "dev", os.Getenv("IPOWD_DEVICE"), "override requested tun device name")
	flag.StringVar(&mode, "mode", os.Getenv("IPOWD_MODE"), "override channel mode (pipe or datagram)")
	flag.StringVar(&inboundPath, "in", os.Getenv("IPOWD_INBOUND_PATH"), "override inbound channel path")
	flag.StringVar(&outboundPath, "out", os.Getenv("IPOWD_OUTBOUND_PATH"), "override outbound channel path")
	flag.BoolVar(&version, "v", false, "show current version of ipowd")
	flag.BoolVar(&testConfig, "t", false, "test configuration and exit")
	flag.Parse()
}

func main() {
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))
	if version {
		fmt.Printf("ipowd %s %s %s with %s %s\n",
			C.Version, runtime.GOOS, runtime.GOARCH, runtime.Version(), C.BuildTime)
		return
	}

	if homeDir != "" {
		if !filepath.IsAbs(homeDir) {
			currentDir, _ := os.Getwd()
			homeDir = filepath.Join(currentDir, homeDir)
		}
		C.SetHomeDir(homeDir)
	}

	if configFile != "" {
		if !filepath.IsAbs(configFile) {
			currentDir, _ := os.Getwd()
			configFile = filepath.Join(currentDir, configFile)
		}
	} else {
		configFile = filepath.Join(C.Path.HomeDir(), C.Path.Config())
	}
	C.SetConfig(configFile)

	if err := config.Init(C.Path.HomeDir()); err != nil {
		log.Fatalln("Initial configuration directory error: %s", err.Error())
	}

	var options []hub.Option
	if device != "" {
		options = append(options, hub.WithDevice(device))
	}
	if mode != "" {
		channelMode, ok := C.ChannelModeMapping[mode]
		if !ok {
			log.Fatalln("Unknown channel mode: %s", mode)
		}
		options = append(options, hub.WithMode(channelMode))
	}
	if inboundPath != "" {
		options = append(options, hub.WithInboundPath(inboundPath))
	}
	if outboundPath != "" {
		options = append(options, hub.WithOutboundPath(outboundPath))
	}

	if testConfig {
		if _, err := executor.Parse(options...); err != nil {
			log.Errorln(err.Error())
			fmt.Printf("configuration file %s test failed\n", C.Path.Config())
			os.Exit(1)
		}
		fmt.Printf("configuration file %s test is successful\n", C.Path.Config())
		return
	}

	done, err := hub.Run(options...)
	if err != nil {
		log.Fatalln("Start error: %s", err.Error())
	}

	defer executor.Shutdown()

	termSign := make(chan os.Signal, 1)
	hupSign := make(chan os.Signal, 1)
	signal.Notify(termSign, syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(hupSign, syscall.SIGHUP)
	for {
		select {
		case err := <-done:
			if err != nil {
				log.Fatalln("Tunnel error: %s", err.Error())
			}
			return
		case <-termSign:
			return
		case <-hupSign:
			if cfg, err := executor.ParseWithPath(C.Path.Config(), options...); err == nil {
				executor.ApplyConfig(cfg, false)
				log.Infoln("Configuration reloaded, device and channel changes need a restart")
			} else {
				log.Errorln("Parse config error: %s", err.Error())
			}
		}
	}
}
