package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"shv-client/client"
	"shv-client/codec"
	"shv-client/config"
	"shv-client/loadbalance"
	"shv-client/registry"
	"shv-client/session"
)

type options struct {
	configPath string
	url        string
	path       string
	method     string
	params     string
	timeout    time.Duration
	events     bool
	metrics    string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "TOML config file (client section)")
	flag.StringVar(&opts.url, "url", "", "broker URL, e.g. ws://localhost:3777/?user=test&password=test")
	flag.StringVar(&opts.path, "path", "", "node path")
	flag.StringVar(&opts.method, "method", "dir", "method to call")
	flag.StringVar(&opts.params, "params", "", "call parameters as JSON text")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline")
	flag.BoolVar(&opts.events, "events", false, "print the session event log to stderr")
	flag.StringVar(&opts.metrics, "metrics", "", "serve /metrics on this address while running")
	flag.Parse()

	if err := run(opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "shvcall: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options, stdout, stderr io.Writer) error {
	file, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := config.ConfigureLogging(file.LogLevel); err != nil {
		return err
	}
	cfg := file.Client
	if opts.url != "" {
		clean, creds, _, err := config.CredentialsFromURL(opts.url)
		if err != nil {
			return err
		}
		cfg.URL, cfg.Credentials = clean, creds
	}
	if opts.metrics != "" {
		cfg.Metrics = opts.metrics
	}
	params, err := codec.ParseValue(opts.params)
	if err != nil {
		return err
	}

	if cfg.Metrics != "" {
		session.RegisterMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics, mux); err != nil {
				logrus.WithError(err).Warn("metrics listener")
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	s, closeFn, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if opts.events {
		events, stop := s.Subscribe(0)
		defer stop()
		go func() {
			for ev := range events {
				fmt.Fprintln(stderr, ev)
			}
		}()
	}

	if err := s.WaitAuthenticated(ctx); err != nil {
		return err
	}
	result, err := s.Call(ctx, opts.path, opts.method, params)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, codec.Pretty(result))
	return nil
}

// open connects to cfg.URL, or to a broker discovered in etcd when no URL is given.
func open(ctx context.Context, cfg config.Client) (*session.Session, func(), error) {
	if cfg.URL != "" {
		s, err := session.Connect(ctx, cfg.URL, cfg.Credentials, cfg.Session)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Disconnect() }, nil
	}
	if len(cfg.Etcd) == 0 {
		return nil, nil, errors.New("no broker: set -url or client.etcd")
	}

	reg, err := registry.NewEtcdRegistry(cfg.Etcd, cfg.Session.ConnectTimeout, cfg.Session.Logger)
	if err != nil {
		return nil, nil, err
	}
	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	cli := client.NewClient(reg, bal, cfg.Service, cfg.Credentials, cfg.Session)
	s, err := cli.Session(ctx)
	if err != nil {
		cli.Close()
		reg.Close()
		return nil, nil, err
	}
	return s, func() {
		cli.Close()
		reg.Close()
	}, nil
}

