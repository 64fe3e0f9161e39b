package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Intercept struct {
		DevToolsURL      string `yaml:"devtoolsURL"`
		Concurrency      int    `yaml:"concurrency"`
		PendingCapacity  int    `yaml:"pendingCapacity"`
		FetchTimeoutMS   int    `yaml:"fetchTimeoutMS"`
		MaxBodyBytes     int64  `yaml:"maxBodyBytes"`
		RulesPollMS      int    `yaml:"rulesPollMS"`
		MetricsAddr      string `yaml:"metricsAddr"`
		ProcessTimeoutMS int    `yaml:"processTimeoutMS"`
	} `yaml:"intercept"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "cdpmock_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "logs/cdpmock.log"
	c.Intercept.DevToolsURL = "http://127.0.0.1:9222"
	c.Intercept.Concurrency = 16
	c.Intercept.PendingCapacity = 256
	c.Intercept.FetchTimeoutMS = 30000
	c.Intercept.MaxBodyBytes = 32 << 20
	c.Intercept.RulesPollMS = 1000
	c.Intercept.ProcessTimeoutMS = 3000
	return c
}

// Load 读取 yaml 配置文件，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}
