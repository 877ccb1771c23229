// Command ipow-tcp links the daemon's channel to a TCP stream: one side
// listens, the other connects, and packets travel length prefixed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	C "github.com/metacubex/ipowd/constant"
	"github.com/metacubex/ipowd/log"
	"github.com/metacubex/ipowd/peer"
	"github.com/metacubex/ipowd/transport/tcp"

	"go.uber.org/automaxprocs/maxprocs"
)

const defaultPort = 6446

var (
	version      bool
	connectAddr  string
	listenAddr   string
	port         int
	mode         string
	inboundPath  string
	outboundPath string
	localPath    string
	logLevel     string
	keepalive    time.Duration
)

func init() {
	flag.StringVar(&connectAddr, "c", os.Getenv("IPOW_TCP_CONNECT"), "connect to remote host (client side)")
	flag.StringVar(&listenAddr, "l", os.Getenv("IPOW_TCP_LISTEN"), "listen on address (server side)")
	flag.IntVar(&port, "p", defaultPort, "tcp port")
	flag.StringVar(&mode, "mode", C.ChannelDatagram.String(), "channel mode of the daemon (pipe or datagram)")
	flag.StringVar(&inboundPath, "in", C.DefaultInboundPath, "inbound path of the daemon")
	flag.StringVar(&outboundPath, "out", C.DefaultOutboundPath, "outbound path of the daemon")
	flag.StringVar(&localPath, "local", "/var/run/ipow-tcp.sock", "socket path of this peer (datagram mode)")
	flag.StringVar(&logLevel, "log-level", log.INFO.String(), "log level")
	flag.DurationVar(&keepalive, "keepalive", 10*time.Second, "re-announce interval of the datagram peer, 0 disables")
	flag.BoolVar(&version, "v", false, "show current version of ipow-tcp")
	flag.Parse()
}

func main() {
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))
	if version {
		fmt.Printf("ipow-tcp %s %s %s with %s %s\n",
			C.Version, runtime.GOOS, runtime.GOARCH, runtime.Version(), C.BuildTime)
		return
	}

	level, ok := log.LogLevelMapping[logLevel]
	if !ok {
		log.Fatalln("Unknown log level: %s", logLevel)
	}
	log.SetLevel(level)

	channelMode, ok := C.ChannelModeMapping[mode]
	if !ok {
		log.Fatalln("Unknown channel mode: %s", mode)
	}
	if (connectAddr == "") == (listenAddr == "") {
		log.Fatalln("Exactly one of -c and -l is required")
	}

	conn, err := peer.Dial(channelMode, localPath, inboundPath, outboundPath)
	if err != nil {
		log.Fatalln("Attach to channel error: %s", err.Error())
	}
	bridge := tcp.NewBridge(conn, keepalive)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if connectAddr != "" {
		err = tcp.NewClient(net.JoinHostPort(connectAddr, strconv.Itoa(port))).Run(ctx, bridge)
	} else {
		var server *tcp.Server
		server, err = tcp.Listen(net.JoinHostPort(listenAddr, strconv.Itoa(port)))
		if err != nil {
			log.Fatalln("Listen error: %s", err.Error())
		}
		err = server.Run(ctx, bridge)
	}

	forwarded, received, dropped := bridge.Counts()
	log.WithFields(log.Fields{
		"forwarded": forwarded,
		"received":  received,
		"dropped":   dropped,
	}).Infoln("[TCP] stopped")
	if err != nil {
		log.Fatalln("Transport error: %s", err.Error())
	}
}
