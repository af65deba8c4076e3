package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hgouveia/akwbs/pkg/config"
	"github.com/hgouveia/akwbs/pkg/eventloop"
	"github.com/hgouveia/akwbs/pkg/logging"
	"github.com/hgouveia/akwbs/pkg/metrics"
)

var log = logrus.New()

var reloadPath string
var opsPath string
var pidPath string
var metricsInterval time.Duration

func main() {
	root := &cobra.Command{
		Use:   "akwbs <root-path> <port> <send-rate>",
		Short: "akwbs serves files over a minimal HTTP/1.0 GET/PUT subset",
		Args:  cobra.ExactArgs(3),
		RunE:  run,
	}
	root.Flags().StringVar(&reloadPath, "reload-file", "akwbs.conf", "pipe-delimited config reloaded on SIGUSR1")
	root.Flags().StringVar(&opsPath, "ops-file", "", "optional YAML file tuning worker count, chunk size and timeouts")
	root.Flags().StringVar(&pidPath, "pid-file", "akwbs.pid", "where to write this process's ID, for akwbsctl")
	root.Flags().DurationVar(&metricsInterval, "metrics-interval", 30*time.Second, "how often to log a metrics snapshot; 0 disables it")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	params, err := config.Parse(args[0], args[1], args[2])
	if err != nil {
		log.Errorf("invalid arguments: %v", err)
		os.Exit(1)
	}

	ops, err := config.LoadOps(opsPath)
	if err != nil {
		log.Fatalf("failed to load ops config: %v", err)
	}

	level, err := logrus.ParseLevel(ops.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var appLog logging.Logger = log

	loop, err := eventloop.New(eventloop.Config{
		Port:           params.Port,
		RootPath:       params.RootPath,
		SendRateBytes:  params.SendRate,
		RingOrder:      ops.RingBufferOrder,
		WorkerCount:    ops.WorkerCount,
		ChunkBytes:     ops.IOChunkBytes,
		HeaderMaxBytes: ops.HeaderMaxBytes,
		IdleTimeout:    time.Duration(ops.IdleTimeoutSeconds) * time.Second,
		Log:            appLog,
	})
	if err != nil {
		log.Fatalf("failed to start listener: %v", err)
	}

	recorder := metrics.NewRecorder(appLog, loop, 4096)
	loop.SetMetrics(recorder)

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Warnf("akwbs: failed to write pid file %s: %v", pidPath, err)
	} else {
		defer os.Remove(pidPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGPIPE, syscall.SIGUSR2)
	defer signal.Stop(sigCh)
	go handleSignals(ctx, cancel, sigCh, recorder)

	metricsDone := make(chan struct{})
	go func() {
		recorder.Run(ctx.Done(), metricsInterval)
		close(metricsDone)
	}()

	log.WithFields(logrus.Fields{
		"root":      params.RootPath,
		"port":      params.Port,
		"send_rate": params.SendRate,
	}).Info("akwbs: starting")

	err = loop.Run(ctx)
	<-metricsDone
	return err
}

// handleSignals mirrors setup_signal_handlers: SIGTERM requests a clean
// shutdown, SIGUSR1 re-reads and validates the reload file and logs its
// values without applying them (a restart is needed), SIGPIPE and SIGUSR2 are
// acknowledged and otherwise ignored (Go never delivers SIGPIPE as a
// process-fatal signal for socket writes the way the C runtime does, so
// ignoring it here simply keeps the signal from going unhandled).
func handleSignals(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal, recorder *metrics.Recorder) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM:
				log.Info("akwbs: SIGTERM received, shutting down")
				cancel()
				return
			case syscall.SIGUSR1:
				reload, err := config.ReadReloadFile(reloadPath)
				if err != nil {
					recorder.Warnf("akwbs: config reload failed: %v", err)
					continue
				}
				log.WithFields(logrus.Fields{
					"root":      reload.RootPath,
					"port":      reload.Port,
					"send_rate": reload.SendRate,
				}).Warn("akwbs: config reload requires a restart in this build; ignoring live values")
			case syscall.SIGPIPE, syscall.SIGUSR2:
				// ignored, matching setup_signal_handlers
			}
		}
	}
}
