// Package config parses the fleetd YAML configuration.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"

	"fleetrpc/codec"
	"fleetrpc/endpoint"
	"fleetrpc/loadbalance"
)

type Config struct {
	Server     *Server     `yaml:"server,optional,fromdefaults"`
	Client     *Client     `yaml:"client,optional,fromdefaults"`
	Registry   *Registry   `yaml:"registry,optional,fromdefaults"`
	Logging    *Logging    `yaml:"logging,optional,fromdefaults"`
	Monitoring *Monitoring `yaml:"monitoring,optional,fromdefaults"`
}

type Server struct {
	Listen         string        `yaml:"listen,optional,default=127.0.0.1:9090"`
	Advertise      string        `yaml:"advertise,optional"` // URI announced to the registry, defaults to tcp://<listen>
	WorkerNum      int           `yaml:"worker_num,optional,default=4"`
	TaskWorkerNum  int           `yaml:"task_worker_num,optional"`
	MaxConnections int           `yaml:"max_connections,optional"`
	LoopInterval   time.Duration `yaml:"loop_interval,optional,positive,default=50ms"`
	TickInterval   time.Duration `yaml:"tick_interval,optional"`
	TaskTimeout    time.Duration `yaml:"task_timeout,optional"`
	StopTimeout    time.Duration `yaml:"stop_timeout,optional,positive,default=5s"`
	SingleProcess  bool          `yaml:"single_process,optional,default=false"`
	Offload        bool          `yaml:"offload,optional,default=false"`
	Version        string        `yaml:"version,optional"`
}

type Client struct {
	// Services in the declarative form "name@tcp -h host -p port [-t ms] [-w weight]:...".
	Services         []string      `yaml:"services,optional"`
	LoadBalance      string        `yaml:"load_balance,optional,default=round_robin"`
	Codec            string        `yaml:"codec,optional,default=json"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout,optional,positive,default=3s"`
	ReceiveTimeout   time.Duration `yaml:"receive_timeout,optional,positive,default=5s"`
	CallTimeout      time.Duration `yaml:"call_timeout,optional"`
	PoolSize         int           `yaml:"pool_size,optional,default=4"`
	KeepAlive        time.Duration `yaml:"keepalive,optional"`
	ResolverCacheTTL time.Duration `yaml:"resolver_cache_ttl,optional,default=30s"`
	MaxRetries       int           `yaml:"max_retries,optional,default=2"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay,optional,positive,default=50ms"`
	RateLimit        float64       `yaml:"rate_limit,optional"` // calls per second, 0 is unlimited
}

// Registry configures etcd. Without endpoints no registry is used.
type Registry struct {
	Endpoints []string `yaml:"endpoints,optional"`
	TTL       int64    `yaml:"ttl,optional,default=10"`
	Weight    int      `yaml:"weight,optional,default=100"`
	Watch     bool     `yaml:"watch,optional,default=true"`
}

func (r *Registry) Enabled() bool { return len(r.Endpoints) > 0 }

type Logging struct {
	Level  string `yaml:"level,optional,default=info"`
	Format string `yaml:"format,optional,default=auto"`
}

type Monitoring struct {
	Listen string `yaml:"listen,optional"`
}

var ConfigFileDefaultLocations = []string{
	"/etc/fleetrpc/fleetd.yml",
	"/usr/local/etc/fleetrpc/fleetd.yml",
}

// ParseConfig reads path, or the first default location that exists when path is empty.
func ParseConfig(path string) (*Config, error) {
	if path == "" {
		for _, l := range ConfigFileDefaultLocations {
			stat, err := os.Stat(l)
			if err != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				return nil, errors.Errorf("file at default location is not a regular file: %s", l)
			}
			path = l
			break
		}
	}
	if path == "" {
		return nil, errors.Errorf("no config file given and none found at %s", strings.Join(ConfigFileDefaultLocations, ", "))
	}
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseConfigBytes(bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.Errorf("config is empty or only consists of comments")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the configuration of an empty document.
func Default() *Config {
	c, err := ParseConfigBytes([]byte("{}"))
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Config) Validate() error {
	s := c.Server
	if !s.SingleProcess && s.WorkerNum < 1 {
		return errors.Errorf("server.worker_num must be at least 1 unless single_process is set, got %d", s.WorkerNum)
	}
	if s.TaskWorkerNum < 0 {
		return errors.Errorf("server.task_worker_num must not be negative, got %d", s.TaskWorkerNum)
	}
	if s.MaxConnections < 0 {
		return errors.Errorf("server.max_connections must not be negative, got %d", s.MaxConnections)
	}
	if s.Offload && !s.SingleProcess && s.TaskWorkerNum == 0 {
		return errors.New("server.offload needs task_worker_num > 0")
	}
	if s.Advertise != "" {
		if _, err := endpoint.Parse(s.Advertise); err != nil {
			return errors.Wrap(err, "server.advertise")
		}
	}

	cl := c.Client
	if _, err := codec.ParseCodecType(cl.Codec); err != nil {
		return errors.Wrap(err, "client.codec")
	}
	if _, err := loadbalance.Get(cl.LoadBalance); err != nil {
		return errors.Wrap(err, "client.load_balance")
	}
	if cl.PoolSize < 1 {
		return errors.Errorf("client.pool_size must be at least 1, got %d", cl.PoolSize)
	}
	if cl.MaxRetries < 0 {
		return errors.Errorf("client.max_retries must not be negative, got %d", cl.MaxRetries)
	}
	if cl.RateLimit < 0 {
		return errors.Errorf("client.rate_limit must not be negative, got %v", cl.RateLimit)
	}
	for _, svc := range cl.Services {
		if _, err := endpoint.ParseServiceEndpoint(svc); err != nil {
			return errors.Wrap(err, "client.services")
		}
	}

	if c.Registry.Enabled() && c.Registry.TTL <= 0 {
		return errors.Errorf("registry.ttl must be positive, got %d", c.Registry.TTL)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return errors.Errorf("logging.format must be one of auto, console, json; got %q", c.Logging.Format)
	}
	return nil
}

// AdvertiseEndpoint is the endpoint announced to the registry.
func (s *Server) AdvertiseEndpoint() (endpoint.Endpoint, error) {
	if s.Advertise != "" {
		return endpoint.Parse(s.Advertise)
	}
	return endpoint.Parse("tcp://" + s.Listen)
}
