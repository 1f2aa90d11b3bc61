// Command ssfd is the SSF server: it listens for tunnel links, relays
// circuit hops, and serves the configured microservices to every connected
// client.
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
	"github.com/securesocketfunneling/ssf-sub003/internal/access"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/node"
	"github.com/securesocketfunneling/ssf-sub003/svc/portforward"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parseTargets parses repeated "fiberPort:host:targetPort" specs.
func parseTargets(specs []string, network string) (map[uint16]portforward.Target, error) {
	out := map[uint16]portforward.Target{}
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad forward spec %q (want fiberPort:host:port)", spec)
		}
		fiberPort, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad fiber port in %q: %w", spec, err)
		}
		targetPort, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad target port in %q: %w", spec, err)
		}
		out[uint16(fiberPort)] = portforward.Target{Network: network, Host: parts[1], Port: uint16(targetPort)}
	}
	return out, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "path to JSON config file")
		addr       = flag.String("addr", "", "listen address (default all interfaces)")
		port       = flag.Uint("port", 8011, "listen port")
		statusAddr = flag.String("status", "", "serve an HTTP status endpoint on this host:port")
		logLevel   = flag.String("loglevel", "info", "panic|fatal|error|warning|info|debug|trace")
		forwards   stringList
		dforwards  stringList
		allows     stringList
	)
	flag.Var(&forwards, "forward", "TCP target as fiberPort:host:port (repeatable)")
	flag.Var(&dforwards, "dforward", "UDP target as fiberPort:host:port (repeatable)")
	flag.Var(&allows, "allow", "regexp over host:port a forward may dial (repeatable; default allow all)")
	flag.Parse()

	logger := sslog.New("ssfd", sslog.StringToLogLevel(*logLevel))

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.ELogf("config: %s", err)
		os.Exit(1)
	}

	streamTargets, err := parseTargets(forwards, "tcp")
	if err != nil {
		logger.ELogf("%s", err)
		os.Exit(1)
	}
	datagramTargets, err := parseTargets(dforwards, "udp")
	if err != nil {
		logger.ELogf("%s", err)
		os.Exit(1)
	}
	policy, err := access.NewPolicy(allows)
	if err != nil {
		logger.ELogf("allow pattern: %s", err)
		os.Exit(1)
	}

	cfg := node.ServerConfig{
		Addr:            *addr,
		Port:            uint16(*port),
		TLS:             node.TLSParamsFromConfig(doc.SSF.TLS),
		StreamTargets:   streamTargets,
		DatagramTargets: datagramTargets,
		EnableSocks:     doc.SSF.Services.Socks.Enable,
		Access:          policy,
		StatusAddr:      *statusAddr,
	}
	if doc.SSF.Services.Shell.Enable {
		cfg.ShellPath = doc.SSF.Services.Shell.Path
		cfg.ShellArgs = doc.SSF.Services.Shell.Args
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := node.NewServer(logger, cfg)
	if err := server.Start(ctx); err != nil {
		logger.ELogf("start: %s", err)
		os.Exit(1)
	}
	logger.ILogf("listening on %s", net.JoinHostPort(*addr, strconv.Itoa(int(*port))))

	watcher, err := node.NewWatcher(logger, node.TLSMaterialPaths(doc.SSF.TLS), func(path string) {
		logger.ILogf("TLS material %s rotated; new connections will use it", path)
	})
	if err != nil {
		logger.WLogf("watcher: %s", err)
	} else if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			logger.WLogf("watcher: %s", err)
		}
	}

	<-ctx.Done()
	server.Close()
}
