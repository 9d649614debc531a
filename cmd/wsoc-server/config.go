package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/taskcluster/wsoc/wsoc"
	"gopkg.in/yaml.v3"
)

const (
	kindEcho = "echo"
	kindChat = "chat"
)

// EndpointConfig places one of the built-in endpoints at a path.
type EndpointConfig struct {
	Kind         string   `yaml:"kind"`
	Path         string   `yaml:"path"`
	Subprotocols []string `yaml:"subprotocols"`
}

// ServerConfig is the content of the server's configuration file. See the
// usage string for an example.
type ServerConfig struct {
	Listen         string           `yaml:"listen"`
	Options        wsoc.Options     `yaml:"options"`
	AllowedOrigins []string         `yaml:"allowedOrigins"`
	Endpoints      []EndpointConfig `yaml:"endpoints"`
}

func defaultEndpoints() []EndpointConfig {
	return []EndpointConfig{
		{Kind: kindEcho, Path: "/echo"},
		{Kind: kindChat, Path: "/chat/{room}", Subprotocols: []string{"chat.v1"}},
	}
}

// LoadConfig reads a configuration file. An empty filename gives the
// default configuration.
func LoadConfig(filename string) (*ServerConfig, error) {
	var data []byte
	if filename != "" {
		var err error
		data, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}
	var cfg ServerConfig

	// set nonzero defaults
	cfg.Listen = ":8080"

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", filename)
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = defaultEndpoints()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *ServerConfig) validate() error {
	if cfg.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	for i, ep := range cfg.Endpoints {
		switch ep.Kind {
		case kindEcho, kindChat:
		default:
			return errors.Errorf("endpoints[%d]: unknown kind %q", i, ep.Kind)
		}
		if !strings.HasPrefix(ep.Path, "/") {
			return errors.Errorf("endpoints[%d]: path %q must begin with /", i, ep.Path)
		}
	}
	return nil
}
