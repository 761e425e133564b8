// Arbiterd runs one site of a ticket arbitration cluster. It reads the
// shared cluster definition, finds which configured site this host is
// and takes part in the elections of every ticket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/config"
	"github.com/Mathew-Estafanous/arbiter/events"
	"github.com/Mathew-Estafanous/arbiter/metrics"
	"github.com/Mathew-Estafanous/arbiter/store"
	"github.com/Mathew-Estafanous/arbiter/transport"
	"github.com/spf13/pflag"
)

const (
	defaultConfig = "/etc/arbiter/arbiter.yaml"
	defaultAdmin  = "/run/arbiter/admin.sock"
)

type flags struct {
	configPath    string
	site          string
	stateFile     string
	adminAddr     string
	metricsAddr   string
	eventsAddr    string
	tos           int
	releaseOnStop bool
	logLevel      string
	logFormat     string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("arbiterd", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", defaultConfig, "path to the cluster configuration")
	fs.StringVar(&f.site, "site", "", "this host's site address (default: match local interfaces)")
	fs.StringVar(&f.stateFile, "state-file", "", "ticket state database (overrides state_file)")
	fs.StringVar(&f.adminAddr, "admin", defaultAdmin, "admin gRPC listen address, a socket path or host:port")
	fs.StringVar(&f.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	fs.StringVar(&f.eventsAddr, "events", "", "publish ownership events on this mangos address, e.g. ipc:///run/arbiter/events")
	fs.IntVar(&f.tos, "tos", 0, "IPv4 TOS byte for peer datagrams")
	fs.BoolVar(&f.releaseOnStop, "release-on-stop", true, "revoke led tickets on shutdown")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "json", "log format: json or text")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("--log-format: unknown format %q", format)
}

func listenAdmin(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "/") {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(addr), 0755); err != nil {
			return nil, err
		}
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(f.logLevel, f.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return fmt.Errorf("listing interface addresses: %w", err)
	}
	local, err := cfg.LocalSite(f.site, ifaces)
	if err != nil {
		return err
	}
	logger = logger.With("site", local)

	reg := metrics.NewRegistry()
	dir, err := cluster.New(cfg.SiteConfigs(), local, cfg.Port,
		cluster.WithLogger(logger), cluster.WithStatsSink(reg))
	if err != nil {
		return err
	}
	auth, err := cfg.Authenticator()
	if err != nil {
		return err
	}
	if auth == nil {
		logger.Warn("no authfile configured, peer frames are unauthenticated")
	}
	tickets, err := cfg.TicketConfigs()
	if err != nil {
		return err
	}

	stateFile := cfg.StateFile
	if f.stateFile != "" {
		stateFile = f.stateFile
	}
	st, err := store.NewBoltStore(stateFile)
	if err != nil {
		return fmt.Errorf("opening state file: %w", err)
	}
	defer st.Close()

	trans := transport.NewUDPTransport(local, &transport.UDPConfig{TOS: f.tos, Logger: logger})

	opts := cfg.Options(arbiter.DefaultOptions())
	opts.Logger = logger
	opts.Store = st
	opts.Observer = reg
	opts.ReleaseOnStop = f.releaseOnStop
	arb, err := arbiter.New(dir, trans, auth, tickets, opts)
	if err != nil {
		return err
	}

	if f.eventsAddr != "" {
		pub, err := events.NewPublisher(f.eventsAddr, local, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		arb.AddListener(pub)
	}

	if g := cfg.Gossip; g != nil {
		gossip, err := cluster.NewGossip(dir, g.Bind, uint16(g.Port), logger)
		if err != nil {
			return err
		}
		for _, peer := range g.Join {
			if err := gossip.Join(peer); err != nil {
				logger.Warn("failed to join gossip peer", "peer", peer, "error", err)
			}
		}
		defer func() {
			if err := gossip.Leave(time.Second); err != nil {
				logger.Warn("leaving gossip", "error", err)
			}
		}()
		arb.WatchLiveness(gossip.Changes)
	}

	lis, err := listenAdmin(f.adminAddr)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	admin := transport.NewAdminServer(lis, arb, nil)
	go func() {
		if err := admin.Serve(); err != nil {
			logger.Error("admin server stopped", "error", err)
		}
	}()
	defer admin.Stop()

	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		srv := &http.Server{Addr: f.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting arbiterd",
		"config", f.configPath,
		"state_file", stateFile,
		"tickets", len(tickets),
		"sites", dir.Len(),
		"arbitrator", dir.Local().Arbitrator,
	)
	if err := arb.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
