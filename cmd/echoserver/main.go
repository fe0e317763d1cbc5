// Command echoserver serves the test interface (interface 3: echo and
// lookup) for smoke tests of clients.
//
//	echoserver -config server.yaml
//
// With server.etcd_endpoints set it announces itself in etcd until it
// receives SIGINT or SIGTERM.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/config"
	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/internal/testsvc"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
	"github.com/xtreemfs/xtreemfs-sub001/metrics"
	"github.com/xtreemfs/xtreemfs-sub001/registry"
	"github.com/xtreemfs/xtreemfs-sub001/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "echoserver:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		path  = flag.String("config", "", "YAML or JSON config file")
		addr  = flag.String("addr", "", "listen address, overrides server.address")
		delay = flag.Duration("delay", 0, "delay before each echo")
	)
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.FromFile(*path); err != nil {
			return err
		}
	}
	if *addr != "" {
		cfg.Server.Address = *addr
		cfg.Server.AdvertiseAddr = ""
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":32640"
	}
	cfg.Server.Normalize()

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, level)

	rec, err := metrics.New(nil)
	if err != nil {
		log.Warning().Err(err).Log("metrics disabled")
	}

	types := event.NewRegistry()
	if err := testsvc.Register(types); err != nil {
		return err
	}
	types.Seal()

	var reg registry.Registry
	if len(cfg.Server.EtcdEndpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Server.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcd.Close()
		reg = etcd
	}

	srv, err := server.New(server.Options{
		Config:   cfg.Server,
		Types:    types,
		Registry: reg,
		Logger:   log,
		Metrics:  rec,
	})
	if err != nil {
		return err
	}
	if err := srv.Register(&testsvc.Service{Delay: *delay}); err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Log("shutting down")
	case err := <-served:
		return err
	}

	start := time.Now()
	err = srv.Shutdown(cfg.Server.ShutdownTimeout)
	if serveErr := <-served; serveErr != nil {
		err = errors.Join(err, serveErr)
	}
	log.Info().Dur("took", time.Since(start)).Log("stopped")
	return err
}
