// Package config loads the TOML file shared by shvcall and shvbroker.
//
//	log_level = "info"
//
//	[client]
//	url = "ws://localhost:3777/?user=test&password=test"
//	codec = "json"
//	handshake_timeout = "5s"
//
//	[broker]
//	listen = ":3755"
//	websocket = ":3777"
//	users = { test = "test" }
//
// Keys that are absent keep their defaults.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shv-client/codec"
	"shv-client/session"
)

const (
	DefaultUser     = "test"
	DefaultPassword = "test"
	DefaultService  = "shv-broker"
)

// Client configures shvcall.
type Client struct {
	URL         string // dial URL, credentials already stripped
	Credentials session.Credentials
	Session     session.Config

	// discovery; used when URL is empty
	Service  string
	Balancer string
	Etcd     []string

	Metrics string // address of the /metrics listener, "" disables it
}

// Broker configures shvbroker.
type Broker struct {
	Listen    string // TCP listen address, "" disables it
	WebSocket string // HTTP listen address for WebSocket upgrades and admin routes
	Admin     string // extra listener for the admin routes only, "" disables it
	Users     map[string]string

	RateLimit      float64 // requests per second per user, 0 disables it
	RateBurst      int
	RequestTimeout time.Duration

	// etcd self-registration; used when Etcd is not empty
	Etcd      []string
	Service   string
	Advertise string // URL clients dial, e.g. tcp://10.0.0.5:3755
	TTL       int64  // lease seconds
}

// File is the whole configuration file.
type File struct {
	LogLevel string
	Client   Client
	Broker   Broker
}

func DefaultClient() Client {
	return Client{
		Credentials: session.Credentials{User: DefaultUser, Password: DefaultPassword},
		Session:     session.DefaultConfig(),
		Service:     DefaultService,
		Balancer:    "roundrobin",
	}
}

func DefaultBroker() Broker {
	return Broker{
		Listen:         ":3755",
		WebSocket:      ":3777",
		Users:          map[string]string{DefaultUser: DefaultPassword},
		RateBurst:      1,
		RequestTimeout: 10 * time.Second,
		Service:        DefaultService,
		TTL:            10,
	}
}

func Default() File {
	return File{LogLevel: "info", Client: DefaultClient(), Broker: DefaultBroker()}
}

type fileConfig struct {
	LogLevel string       `toml:"log_level"`
	Client   clientConfig `toml:"client"`
	Broker   brokerConfig `toml:"broker"`
}

type clientConfig struct {
	URL               string   `toml:"url"`
	User              string   `toml:"user"`
	Password          string   `toml:"password"`
	Codec             string   `toml:"codec"`
	ConnectTimeout    string   `toml:"connect_timeout"`
	HandshakeTimeout  string   `toml:"handshake_timeout"`
	WriteTimeout      string   `toml:"write_timeout"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	MaxBodyLen        uint32   `toml:"max_body_len"`
	Service           string   `toml:"service"`
	Balancer          string   `toml:"balancer"`
	Etcd              []string `toml:"etcd"`
	Metrics           string   `toml:"metrics"`
}

type brokerConfig struct {
	Listen         string            `toml:"listen"`
	WebSocket      string            `toml:"websocket"`
	Admin          string            `toml:"admin"`
	Users          map[string]string `toml:"users"`
	RateLimit      float64           `toml:"rate_limit"`
	RateBurst      int               `toml:"rate_burst"`
	RequestTimeout string            `toml:"request_timeout"`
	Etcd           []string          `toml:"etcd"`
	Service        string            `toml:"service"`
	Advertise      string            `toml:"advertise"`
	TTL            int64             `toml:"ttl"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return File{}, errors.Wrap(err, "load config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return File{}, errors.Errorf("load config: unknown key %s", undecoded[0])
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if err := applyClient(&cfg.Client, meta, raw.Client); err != nil {
		return File{}, err
	}
	if err := applyBroker(&cfg.Broker, meta, raw.Broker); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func applyClient(cfg *Client, meta toml.MetaData, raw clientConfig) error {
	if meta.IsDefined("client", "url") {
		clean, creds, found, err := CredentialsFromURL(strings.TrimSpace(raw.URL))
		if err != nil {
			return err
		}
		cfg.URL = clean
		if found {
			cfg.Credentials = creds
		}
	}
	// explicit keys win over URL credentials
	if meta.IsDefined("client", "user") {
		cfg.Credentials.User = raw.User
	}
	if meta.IsDefined("client", "password") {
		cfg.Credentials.Password = raw.Password
	}

	if meta.IsDefined("client", "codec") {
		t, err := codec.ParseCodecType(strings.TrimSpace(raw.Codec))
		if err != nil {
			return errors.Wrap(err, "parse client.codec")
		}
		cfg.Session.Codec = t
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("client", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return errors.Wrapf(err, "parse client.%s", d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("client", "max_body_len") {
		cfg.Session.Limits.MaxBodyLen = raw.MaxBodyLen
	}
	if meta.IsDefined("client", "service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("client", "balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Balancer)
	}
	if meta.IsDefined("client", "etcd") {
		cfg.Etcd = normalize(raw.Etcd)
	}
	if meta.IsDefined("client", "metrics") {
		cfg.Metrics = strings.TrimSpace(raw.Metrics)
	}
	return nil
}

func applyBroker(cfg *Broker, meta toml.MetaData, raw brokerConfig) error {
	if meta.IsDefined("broker", "listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("broker", "websocket") {
		cfg.WebSocket = strings.TrimSpace(raw.WebSocket)
	}
	if meta.IsDefined("broker", "admin") {
		cfg.Admin = strings.TrimSpace(raw.Admin)
	}
	if meta.IsDefined("broker", "users") {
		cfg.Users = raw.Users
	}
	if meta.IsDefined("broker", "rate_limit") {
		if raw.RateLimit < 0 {
			return errors.Errorf("broker.rate_limit must not be negative: %v", raw.RateLimit)
		}
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("broker", "rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("broker", "request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return errors.Wrap(err, "parse broker.request_timeout")
		}
		cfg.RequestTimeout = d
	}
	if meta.IsDefined("broker", "etcd") {
		cfg.Etcd = normalize(raw.Etcd)
	}
	if meta.IsDefined("broker", "service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("broker", "advertise") {
		cfg.Advertise = strings.TrimSpace(raw.Advertise)
	}
	if meta.IsDefined("broker", "ttl") {
		cfg.TTL = raw.TTL
	}
	if len(cfg.Etcd) > 0 && cfg.Advertise == "" {
		return errors.New("broker.advertise is required with broker.etcd")
	}
	return nil
}

// CredentialsFromURL takes the user and password query parameters out of rawURL.
// found reports whether either was present; a missing one defaults to "test".
func CredentialsFromURL(rawURL string) (clean string, creds session.Credentials, found bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", session.Credentials{}, false, errors.Wrapf(err, "parse url %q", rawURL)
	}
	q := u.Query()
	creds = session.Credentials{User: DefaultUser, Password: DefaultPassword}
	if q.Has("user") {
		creds.User = q.Get("user")
		found = true
	}
	if q.Has("password") {
		creds.Password = q.Get("password")
		found = true
	}
	q.Del("user")
	q.Del("password")
	u.RawQuery = q.Encode()
	return u.String(), creds, found, nil
}

// ConfigureLogging sets the level and format of the standard logrus logger.
func ConfigureLogging(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	return nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
