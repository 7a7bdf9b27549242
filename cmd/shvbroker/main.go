package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shv-client/config"
	"shv-client/middleware"
	"shv-client/registry"
	"shv-client/server"
)

func main() {
	configPath := flag.String("config", "", "TOML config file (broker section)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "shvbroker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.ConfigureLogging(file.LogLevel); err != nil {
		return err
	}
	cfg := file.Broker
	log := logrus.StandardLogger()

	svr := newBroker(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errs := make(chan error, 3)

	if cfg.Listen != "" {
		go func() { errs <- svr.ListenAndServe(cfg.Listen) }()
		log.WithField("addr", cfg.Listen).Info("tcp listener started")
	}

	var servers []*http.Server
	router := newRouter(svr)
	addrs := []string{cfg.WebSocket}
	if cfg.Admin != cfg.WebSocket {
		addrs = append(addrs, cfg.Admin)
	}
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		hs := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, hs)
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- errors.Wrapf(err, "http %s", hs.Addr)
			}
		}()
		log.WithField("addr", addr).Info("http listener started")
	}

	if len(cfg.Etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd, 5*time.Second, log)
		if err != nil {
			return err
		}
		defer reg.Close()
		inst := registry.ServiceInstance{Addr: cfg.Advertise, Weight: 1}
		if err := svr.Announce(ctx, reg, cfg.Service, inst, cfg.TTL); err != nil {
			return errors.Wrap(err, "announce")
		}
		log.WithFields(logrus.Fields{"service": cfg.Service, "addr": cfg.Advertise}).Info("registered")
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errs:
		log.WithError(err).Error("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, hs := range servers {
		hs.Shutdown(shutdownCtx)
	}
	if serr := svr.Shutdown(5 * time.Second); serr != nil && err == nil {
		err = serr
	}
	return err
}

func newBroker(cfg config.Broker, log logrus.FieldLogger) *server.Server {
	svr := server.NewServer(log)
	for user, password := range cfg.Users {
		svr.AddUser(user, password)
	}
	svr.Use(middleware.LoggingMiddleware(log))
	if cfg.RequestTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.RequestTimeout))
	}
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst, server.UserKey))
	}
	registerNodes(svr)
	return svr
}
