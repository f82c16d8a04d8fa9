// Package cli builds the kueue command tree: server, worker, submit,
// and status, following the shape of the teacher's
// internal/cli.BuildCLI() (persistent --config flag, one subcommand per
// operational mode, signal-driven graceful shutdown in the long-running
// modes).
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kueuedb/kueue/internal/config"
	"github.com/kueuedb/kueue/internal/jobqueue"
	"github.com/kueuedb/kueue/internal/metrics"
	"github.com/kueuedb/kueue/internal/rpc"
	"github.com/kueuedb/kueue/internal/scheduler"
	"github.com/kueuedb/kueue/internal/store"
	"github.com/kueuedb/kueue/internal/store/snapshot"
	"github.com/kueuedb/kueue/internal/store/wal"
	"github.com/kueuedb/kueue/pkg/types"
)

var log = slog.Default()

var configFile string

// BuildCLI builds the root kueue command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kueue",
		Short: "kueue: a crash-recoverable job queue",
		Long: `kueue is a job queue with:
- WAL-based durability
- Snapshot-based recovery
- Prometheus metrics
- A permission-gated RPC surface`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServerCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

func buildServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the kueue server: scheduler, RPC gateway, metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	return cmd
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	w, err := wal.NewWAL(cfg.Store.WALPath, cfg.Store.WALBufferSize, cfg.Store.WALFlushInterval)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	snap := snapshot.NewManager(cfg.Store.SnapshotPath)
	st := store.NewMemStore(w, snap)
	if err := st.Recover(context.Background()); err != nil {
		return fmt.Errorf("recover store: %w", err)
	}

	schedCfg := scheduler.Config{
		PromotionPeriod: cfg.Scheduler.PromotionPeriod,
		SnapshotPeriod:  cfg.Scheduler.SnapshotPeriod,
	}
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		schedCfg.Metrics = metrics.NewCollector(reg)
	}
	sched := scheduler.New(st, st, schedCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	gate := cfg.BuildGate()
	rpc.RegisterTags(gate)
	registry := rpc.NewGatewayRegistry(sched)
	server := rpc.NewServer(registry, gate)

	lis, err := net.Listen("tcp", cfg.RPC.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.RPC.ListenAddr, err)
	}
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&rpc.ServiceDesc, server)

	go func() {
		log.Info("rpc gateway listening", "addr", cfg.RPC.ListenAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server stopped", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	grpcServer.GracefulStop()
	return sched.Stop(context.Background(), 30*time.Second)
}

func buildWorkerCommand() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker pulling jobs from a kueue server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(workerID)
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "worker identity presented to the Permission Gate")
	return cmd
}

func runWorker(workerID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.RPC.MasterAddr == "" {
		return fmt.Errorf("rpc.master_addr is required in worker mode")
	}
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}

	conn, err := grpc.NewClient(cfg.RPC.MasterAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.RPC.MasterAddr, err)
	}
	defer conn.Close()

	client := rpc.NewClient(conn, "jobs", workerID)
	source := rpc.NewClientSource(client)

	q := jobqueue.New(source, echoHandler, jobqueue.Config{
		Types:        cfg.Worker.Types,
		Concurrency:  cfg.Worker.Concurrency,
		Cargo:        cfg.Worker.Cargo,
		PollInterval: cfg.Worker.PollInterval,
		Prefetch:     cfg.Worker.Prefetch,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	log.Info("worker started", "id", workerID, "types", cfg.Worker.Types)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("worker stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	<-q.Shutdown(shutdownCtx, jobqueue.ShutdownNormal)
	return nil
}

// echoHandler is the worker's default business logic when no
// application-specific handler is wired in: it reports success,
// echoing each job's data back as its result. Real deployments replace
// this with a Handler tailored to the job types they process.
func echoHandler(ctx context.Context, jobs []*types.Job, report jobqueue.Reporter) []jobqueue.Outcome {
	outcomes := make([]jobqueue.Outcome, 0, len(jobs))
	for _, j := range jobs {
		_ = report.Log(ctx, j.ID, j.RunID, types.LevelInfo, "processed by echo handler")
		outcomes = append(outcomes, jobqueue.Outcome{JobID: j.ID, Result: j.Data})
	}
	return outcomes
}

func buildSubmitCommand() *cobra.Command {
	var jobFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file to a kueue server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return submitJobs(jobFile)
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.MarkFlagRequired("file")
	return cmd
}

func submitJobs(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}

	var jobsInput []struct {
		Type     string                 `json:"type"`
		Data     map[string]interface{} `json:"data"`
		Priority int64                  `json:"priority"`
		After    time.Time              `json:"after"`
	}
	if err := json.Unmarshal(data, &jobsInput); err != nil {
		return fmt.Errorf("parse job file: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.RPC.MasterAddr == "" {
		return fmt.Errorf("rpc.master_addr is required to submit remotely")
	}

	conn, err := grpc.NewClient(cfg.RPC.MasterAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.RPC.MasterAddr, err)
	}
	defer conn.Close()

	client := rpc.NewClient(conn, "jobs", "submit-cli")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	successCount := 0
	for _, j := range jobsInput {
		doc := &types.Job{
			Type:     j.Type,
			Data:     j.Data,
			Priority: j.Priority,
			After:    j.After,
		}
		var id types.JobID
		if err := client.Call(ctx, "jobSave", map[string]interface{}{"doc": doc}, &id); err != nil {
			log.Error("submit failed", "type", j.Type, "error", err)
			continue
		}
		successCount++
	}
	log.Info("submitted jobs", "succeeded", successCount, "total", len(jobsInput))
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show kueue configuration and connectivity status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Println("kueue status")
	fmt.Printf("  config file:       %s\n", configFile)
	fmt.Printf("  rpc listen addr:   %s\n", cfg.RPC.ListenAddr)
	fmt.Printf("  rpc master addr:   %s\n", cfg.RPC.MasterAddr)
	fmt.Printf("  wal path:          %s\n", cfg.Store.WALPath)
	fmt.Printf("  snapshot path:     %s\n", cfg.Store.SnapshotPath)
	fmt.Printf("  promotion period:  %s\n", cfg.Scheduler.PromotionPeriod)
	fmt.Printf("  worker types:      %v\n", cfg.Worker.Types)
	fmt.Printf("  worker concurrency: %d, cargo: %d\n", cfg.Worker.Concurrency, cfg.Worker.Cargo)

	if cfg.Metrics.Enabled {
		fmt.Printf("  metrics:           enabled on :%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  metrics:           disabled")
	}

	if cfg.RPC.MasterAddr == "" {
		return nil
	}

	conn, err := grpc.NewClient(cfg.RPC.MasterAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Printf("  connectivity:      could not dial %s: %v\n", cfg.RPC.MasterAddr, err)
		return nil
	}
	defer conn.Close()

	client := rpc.NewClient(conn, "jobs", "status-cli")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var jobs []*types.Job
	if err := client.Call(ctx, "getJob", map[string]interface{}{"ids": []types.JobID{}}, &jobs); err != nil {
		fmt.Printf("  connectivity:      reachable, getJob probe failed: %v\n", err)
		return nil
	}
	fmt.Println("  connectivity:      ok")
	return nil
}
