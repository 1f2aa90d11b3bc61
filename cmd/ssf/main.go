// Command ssf is the SSF client: it establishes one tunnel link to an ssfd
// server (optionally through proxies and circuit relays) and runs the
// local ends of the forwarding services over it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/securesocketfunneling/ssf-sub003/config"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/circuit"
	"github.com/securesocketfunneling/ssf-sub003/node"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parsePortMaps parses repeated "bindPort:fiberPort" specs.
func parsePortMaps(specs []string) ([]node.PortMap, error) {
	var out []node.PortMap
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad forward spec %q (want bindPort:fiberPort)", spec)
		}
		bindPort, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad bind port in %q: %w", spec, err)
		}
		fiberPort, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad fiber port in %q: %w", spec, err)
		}
		out = append(out, node.PortMap{BindPort: uint16(bindPort), FiberPort: uint16(fiberPort)})
	}
	return out, nil
}

func main() {
	var (
		configPath   = flag.String("config", "", "path to JSON config file")
		circuitPath  = flag.String("circuit", "", "path to circuit file of relay hops")
		circuitID    = flag.String("circuit-id", "", "circuit id for log correlation")
		gatewayPorts = flag.Bool("gateway-ports", false, "bind forwarded listeners on all interfaces")
		socksPort    = flag.Uint("socks", 0, "local port bridged to the server's SOCKS service")
		shellPort    = flag.Uint("shell", 0, "local port bridged to the server's shell service")
		logLevel     = flag.String("loglevel", "info", "panic|fatal|error|warning|info|debug|trace")
		forwards     stringList
		dforwards    stringList
	)
	flag.Var(&forwards, "L", "TCP forward as bindPort:fiberPort (repeatable)")
	flag.Var(&dforwards, "U", "UDP forward as bindPort:fiberPort (repeatable)")
	flag.Parse()

	logger := sslog.New("ssf", sslog.StringToLogLevel(*logLevel))

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] host:port\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	host, portStr, err := net.SplitHostPort(flag.Arg(0))
	if err != nil {
		logger.ELogf("server address: %s", err)
		os.Exit(1)
	}
	serverPort, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		logger.ELogf("server port: %s", err)
		os.Exit(1)
	}

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.ELogf("config: %s", err)
		os.Exit(1)
	}

	streamForwards, err := parsePortMaps(forwards)
	if err != nil {
		logger.ELogf("%s", err)
		os.Exit(1)
	}
	datagramForwards, err := parsePortMaps(dforwards)
	if err != nil {
		logger.ELogf("%s", err)
		os.Exit(1)
	}
	gw := *gatewayPorts || doc.SSF.Services.StreamListener.GatewayPorts || doc.SSF.Services.DatagramListener.GatewayPorts

	cfg := node.ClientConfig{
		Server:           circuit.Hop{Host: host, Port: uint16(serverPort)},
		CircuitPath:      *circuitPath,
		CircuitID:        *circuitID,
		TLS:              node.TLSParamsFromConfig(doc.SSF.TLS),
		Proxy:            node.ProxyContextFromConfig(doc.SSF),
		StreamForwards:   streamForwards,
		DatagramForwards: datagramForwards,
		GatewayPorts:     gw,
		SocksBindPort:    uint16(*socksPort),
		ShellBindPort:    uint16(*shellPort),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := node.NewClient(logger, cfg)

	watchPaths := append(node.TLSMaterialPaths(doc.SSF.TLS), *circuitPath)
	watcher, err := node.NewWatcher(logger, watchPaths, func(path string) {
		logger.ILogf("%s changed; bouncing link", path)
		client.Bounce()
	})
	if err != nil {
		logger.WLogf("watcher: %s", err)
	} else if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			logger.WLogf("watcher: %s", err)
		}
	}

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.ELogf("run: %s", err)
		os.Exit(1)
	}
}
