package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/meanengineer/apserver/types"
)

type Config struct {
	ApConfig types.ApConfig `yaml:"apConfig"`
	Server   Server         `yaml:"server"`
	NodeInfo types.NodeInfo `yaml:"nodeInfo"`
}

type Server struct {
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}

// loadConfig reads and merges yaml files in order; later files override
// fields present in earlier ones.
func loadConfig(paths []string) (Config, error) {
	var config Config
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "reading %s", path)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s", path)
		}
	}
	if config.ApConfig.FQDN == "" {
		return Config{}, errors.New("apConfig.fqdn is required")
	}
	return config, nil
}
