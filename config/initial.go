package config

import (
	"fmt"
	"os"

	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"
)

const initialConfig = `log-level: info
mode: datagram
inbound-path: /var/run/tun_in.fifo
outbound-path: /var/run/tun_out.fifo
stat-interval: 60
`

// Init prepare necessary files
func Init(dir string) error {
	// initial homedir
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("can't create config directory %s: %s", dir, err.Error())
		}
	}

	// initial config.yaml
	if _, err := os.Stat(C.Path.Config()); os.IsNotExist(err) {
		log.Infoln("Can't find config, create a initial config file")
		if err := os.WriteFile(C.Path.Config(), []byte(initialConfig), 0o644); err != nil {
			return fmt.Errorf("can't create file %s: %s", C.Path.Config(), err.Error())
		}
	}

	return nil
}
