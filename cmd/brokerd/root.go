// cmd/brokerd/root.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/vbroker/broker/broker"
	"github.com/vbroker/broker/config"
	"github.com/vbroker/broker/dashboard"
	"github.com/vbroker/broker/host"
	"github.com/vbroker/broker/instance"
	"github.com/vbroker/broker/metrics"
	"github.com/vbroker/broker/reqtable"
)

var (
	configPath  string
	logLevel    string
	trace       bool
	metricsAddr string
	watch       bool
)

var rootCmd = &cobra.Command{
	Use:   "brokerd",
	Short: "Inter-VM VirtIO MMIO request broker",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bind instances from a boot configuration and run the broker",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot snapshot of every bound instance",
	RunE:  runStatus,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "broker.yaml", "path to the boot configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&trace, "trace", false, "log every ASK/READ/WRITE/NOTIFY hypercall at debug level")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to expose Prometheus metrics on (/metrics)")
	statusCmd.Flags().BoolVar(&watch, "watch", false, "run a live-updating terminal dashboard instead of a one-shot dump")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func setupLogging() *logrus.Entry {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("brokerd: invalid log level %q", logLevel)
	}
	logrus.SetLevel(level)
	if trace {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func bootBroker(log *logrus.Entry) (*broker.Broker, *instance.Registry, *reqtable.Set, *host.SimHost, map[string]int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	registry := instance.NewRegistry(log, func(format string, args ...any) {
		log.Fatalf(format, args...)
	})
	registry.Build(cfg.InstanceVMConfigs())

	tables := reqtable.NewSet()
	pool := reqtable.NewPool()

	simHost := host.NewSimHost(log, func(format string, args ...any) {
		log.Fatalf(format, args...)
	})

	// Standalone operation assigns one physical CPU per VM named in the
	// config; a real embedding's CPU topology comes from the hypervisor
	// itself, not from this file.
	vmCPU := make(map[string]int, len(cfg.VMs))
	for i, vm := range cfg.VMs {
		vmCPU[vm.Name] = i
		simHost.AddCPU(i)
		registry.AssignCPU(vm.Name, i)
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	b := broker.New(registry, tables, pool, simHost, log, collector)

	for vm, devices := range cfg.FrontendDevices() {
		b.RegisterDescriptors(vm, devices)
	}

	return b, registry, tables, simHost, vmCPU, nil
}

// serveMetrics mounts promhttp's handler on metricsAddr and runs it until ctx
// is cancelled, shutting the listener down gracefully rather than yanking it.
func serveMetrics(ctx context.Context, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("brokerd: metrics server shutdown")
		}
	}()

	go func() {
		log.WithField("addr", metricsAddr).Info("brokerd: serving /metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("brokerd: metrics server exited with error")
		}
	}()
}

func runServe(cmd *cobra.Command, args []string) error {
	log := setupLogging()

	b, _, _, simHost, vmCPU, err := bootBroker(log)
	if err != nil {
		return err
	}
	_ = b

	for _, cpu := range vmCPU {
		simHost.SetActive(cpu, true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	serveMetrics(ctx, log)

	log.Info("brokerd: serving")
	errCh := make(chan error, 1)
	go func() { errCh <- simHost.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("brokerd: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("brokerd: host run loop exited with error")
			return err
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	log := setupLogging()

	_, registry, tables, _, _, err := bootBroker(log)
	if err != nil {
		return err
	}

	src := dashboard.NewSource(registry, tables)

	if watch {
		program := tea.NewProgram(dashboard.NewModel(src, time.Second))
		_, err := program.Run()
		return err
	}

	for _, snap := range src.Snapshots() {
		log.WithFields(logrus.Fields{
			"instance":       snap.ID,
			"frontend_vm":    snap.FrontendVM,
			"backend_vm":     snap.BackendVM,
			"priority":       snap.Priority,
			"polling":        snap.Polling,
			"backend_queue":  snap.BackendDepth,
			"frontend_queue": snap.FrontendDepth,
		}).Info("instance status")
	}
	return nil
}

func main() {
	Execute()
}
