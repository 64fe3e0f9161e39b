package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdpmock/internal/intercept"
	"cdpmock/internal/logger"
	"cdpmock/pkg/api"
	"cdpmock/pkg/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to a browser target and rewrite matching responses until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("target", "", "Target ID to attach (default: first page)")
	runCmd.Flags().Int("concurrency", 0, "Maximum paused requests handled at once")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	viper.BindPFlag("run.target", runCmd.Flags().Lookup("target"))
	viper.BindPFlag("run.concurrency", runCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("run.metrics-addr", runCmd.Flags().Lookup("metrics-addr"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := cfg.Intercept.MetricsAddr; addr != "" {
		srv, err := serveMetrics(addr, log)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	svc, err := api.NewService(cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	// 规则加载前的请求全部放行，启用拦截前先等待首次加载
	select {
	case <-svc.RulesLoaded():
	case <-time.After(5 * time.Second):
		log.Warn("规则加载超时，以空规则集启动")
	case <-ctx.Done():
		return nil
	}

	id, err := svc.StartSession(model.SessionConfig{})
	if err != nil {
		return err
	}
	if err := svc.AttachTarget(id, model.TargetID(viper.GetString("run.target"))); err != nil {
		return err
	}
	if err := svc.EnableInterception(id); err != nil {
		return err
	}
	events, err := svc.SubscribeEvents(id)
	if err != nil {
		return err
	}
	log.Info("开始拦截", "sessionID", string(id), "devtools", cfg.Intercept.DevToolsURL)

	for {
		select {
		case <-ctx.Done():
			stats, _ := svc.GetRuleStats(id)
			log.Info("停止拦截", "total", stats.Total, "matched", stats.Matched)
			return nil
		case evt := <-events:
			logEvent(log, evt)
		}
	}
}

func logEvent(log logger.Logger, evt model.Event) {
	kv := []any{"type", evt.Type, "target", string(evt.Target), "method", evt.Method, "url", evt.URL}
	if evt.Rule != "" {
		kv = append(kv, "rule", evt.Rule)
	}
	switch evt.Type {
	case model.EventSubstituted:
		log.Info("响应已替换", kv...)
	case model.EventFailed, model.EventDegraded:
		log.Warn("请求已放行", append(kv, "error", evt.Error)...)
	default:
		log.Debug("拦截事件", kv...)
	}
}

// serveMetrics 在独立的 Registry 上暴露拦截指标与进程指标
func serveMetrics(addr string, log logger.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := intercept.RegisterMetrics(reg); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err, "指标服务异常退出", "addr", addr)
		}
	}()
	log.Info("指标服务已启动", "addr", addr)
	return srv, nil
}
