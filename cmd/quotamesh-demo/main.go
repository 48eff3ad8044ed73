// Command quotamesh-demo wires every piece of the rate-limit core
// together against the in-process fakeserver and a hard-coded rule set,
// exercising the full init/report/climb cycle without any real network
// dependency. It is a reference wiring, not a production entry point:
// a real deployment supplies its own LocalRegistry (fed from its control
// plane) and a real transport.StreamClient/ServiceResolver pair.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgo/quotamesh/pkg/quotamesh/config"
	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/quota"
	"github.com/forgo/quotamesh/pkg/quotamesh/reactor"
	"github.com/forgo/quotamesh/pkg/quotamesh/recorder"
	"github.com/forgo/quotamesh/pkg/quotamesh/registry"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport/fakeserver"
	"github.com/forgo/quotamesh/pkg/quotamesh/transport/resolver"
)

const (
	demoNamespace = "demo"
	demoService   = "checkout-api"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.ClusterNamespace == "" {
		cfg.ClusterNamespace = "quota-cluster"
	}
	if cfg.ClusterService == "" {
		cfg.ClusterService = "quota-server"
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	reg.SetRules(demoNamespace, demoService, demoRules())

	server := fakeserver.New()
	metricServer := fakeserver.NewMetricServer()

	res := resolver.New()
	res.SetInstances(cfg.ClusterNamespace, cfg.ClusterService, []transport.Instance{
		{ID: "quota-server-1", Host: "127.0.0.1", Port: 9000, Healthy: true},
	})
	res.SetInstances(cfg.ClusterNamespace, config.MetricService, []transport.Instance{
		{ID: "metric-server-1", Host: "127.0.0.1", Port: 9001, Healthy: true},
	})

	promReg := prometheus.NewRegistry()
	sink := recorder.NewPrometheusSink()
	if err := sink.Register(promReg); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	r := reactor.New()
	go r.Run()
	defer func() {
		r.Stop()
		r.Wait()
	}()

	manager := quota.New(r, reg, res, server, metricServer, cfg, sink, logger)

	metricsServer := &http.Server{
		Addr:    ":9100",
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("serving metrics", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	logger.Info("quotamesh demo running", "namespace", demoNamespace, "service", demoService)
	for {
		select {
		case <-stop:
			logger.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsServer.Shutdown(ctx)
			cancel()
			return
		case <-ticker.C:
			simulateCall(manager, logger)
		}
	}
}

// simulateCall issues one GetQuota and reports a synthetic call result,
// so the climb adjuster and recorder both see traffic.
func simulateCall(manager *quota.QuotaManager, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	req := model.QuotaRequest{
		Namespace: demoNamespace,
		Service:   demoService,
		Labels:    map[string]string{"method": "POST", "path": "/v1/checkout"},
		Acquire:   1,
		Timeout:   500 * time.Millisecond,
	}

	resp, err := manager.GetQuota(ctx, req)
	if err != nil {
		logger.Warn("get quota failed", "error", err)
		return
	}

	result := model.CallResult{
		Namespace:      demoNamespace,
		Service:        demoService,
		Labels:         req.Labels,
		Result:         model.LimitCallResultOk,
		ResponseTimeMs: 42,
		ResponseCode:   200,
	}
	if resp.Code == model.QuotaResultLimited {
		result.Result = model.LimitCallResultLimited
	}
	manager.UpdateCallResult(result)

	logger.Info("checkout call",
		"code", resp.Code.String(),
		"left", resp.Info.LeftQuota,
		"degrade", resp.Info.IsDegrade,
	)
}

// demoRules seeds a two-duration GLOBAL rule with climb tuning enabled,
// a believable stand-in for what a control plane would hand the
// registry for a checkout endpoint.
func demoRules() []model.RateLimitRule {
	return []model.RateLimitRule{
		{
			Namespace: demoNamespace,
			Service:   demoService,
			RuleID:    "checkout-qps",
			Revision:  "v1",
			Priority:  0,
			Resource:  "QPS",
			Type:      model.RuleTypeGlobal,
			AmountMode: model.AmountModeShareEqually,
			Action:    model.ActionUnirate,
			LabelMatchers: []model.Matcher{
				{Key: "method", Type: model.MatchExact, Value: "POST"},
			},
			Amounts: []model.Amount{
				{MaxAmount: 50, ValidDuration: 1000, Precision: 10, StartAmount: 20, EndAmount: 50, MinAmount: 5},
				{MaxAmount: 2000, ValidDuration: 60_000, Precision: 60, StartAmount: 800, EndAmount: 2000, MinAmount: 200},
			},
			Report:   model.ReportConfig{IntervalMs: 1000},
			Adjuster: &model.ClimbConfig{Enable: true},
			Failover: model.FailoverLocal,
			ClusterNamespace: "quota-cluster",
			ClusterService:   "quota-server",
		},
	}
}
