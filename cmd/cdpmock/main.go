package main

import (
	"fmt"
	"os"
	"strings"

	"cdpmock/internal/config"
	"cdpmock/internal/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version 构建时通过 -ldflags 注入
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "cdpmock",
	Short:         "Rewrite JSON responses of a Chromium page over the DevTools protocol",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to yaml config file")
	rootCmd.PersistentFlags().String("db", "", "Path to the sqlite rule store")
	rootCmd.PersistentFlags().String("devtools", "", "DevTools HTTP endpoint, e.g. http://127.0.0.1:9222")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("sqlite.dsn", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("intercept.devtoolsURL", rootCmd.PersistentFlags().Lookup("devtools"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("CDPMOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置文件，再以命令行参数与 CDPMOCK_* 环境变量覆盖
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, viper.GetViper())
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if s := v.GetString("sqlite.dsn"); s != "" {
		cfg.Sqlite.Dsn = s
	}
	if s := v.GetString("intercept.devtoolsURL"); s != "" {
		cfg.Intercept.DevToolsURL = s
	}
	if s := v.GetString("log.level"); s != "" {
		cfg.Log.Level = s
	}
	if n := v.GetInt("run.concurrency"); n > 0 {
		cfg.Intercept.Concurrency = n
	}
	if s := v.GetString("run.metrics-addr"); s != "" {
		cfg.Intercept.MetricsAddr = s
	}
}

// newLogger 命令行工具只输出到控制台，run 命令按配置输出
func newLogger(cfg *config.Config, consoleOnly bool) logger.Logger {
	writers := cfg.Log.Writer
	if consoleOnly {
		writers = []string{"console"}
	}
	return logger.New(logger.Options{Level: cfg.Log.Level, Writers: writers, File: cfg.Log.File})
}
