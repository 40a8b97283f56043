package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/healwatch/internal/api"
	"github.com/psantana5/healwatch/internal/backup"
	"github.com/psantana5/healwatch/internal/config"
	"github.com/psantana5/healwatch/internal/corrector"
	"github.com/psantana5/healwatch/internal/detect"
	"github.com/psantana5/healwatch/internal/faultq"
	"github.com/psantana5/healwatch/internal/history"
	"github.com/psantana5/healwatch/internal/inspect"
	"github.com/psantana5/healwatch/internal/lifecycle"
	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/internal/logtail"
	"github.com/psantana5/healwatch/internal/metrics"
	"github.com/psantana5/healwatch/internal/operator"
	"github.com/psantana5/healwatch/internal/registry"
	"github.com/psantana5/healwatch/internal/shutdown"
	"github.com/psantana5/healwatch/internal/supervisor"
	"github.com/psantana5/healwatch/internal/tracing"
	"github.com/psantana5/healwatch/internal/watch"
	"github.com/psantana5/healwatch/internal/workflow"
	"github.com/psantana5/healwatch/pkg/models"
)

var (
	runNoConsole bool
	runNoAPI     bool
)

const (
	shutdownTimeout   = 45 * time.Second
	logRotateInterval = time.Minute
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the workers and supervise them",
	Long: `Launches every configured worker and supervises it until interrupted.
Faults are remediated one at a time with all workers paused. Proposals are
reviewed on the console and through the API unless workflow.auto_approve
is set.`,
	Args: cobra.NoArgs,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runNoConsole, "no-console", false, "disable the interactive operator console")
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "disable the operator HTTP API")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runNoConsole {
		cfg.Console = false
	}
	if runNoAPI {
		cfg.API.Enabled = false
	}

	logger, err := newLogger(cfg.Log, cfg.Console)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.New(shutdownTimeout, logger)

	tp, err := tracing.InitTracer(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	mgr.Register("tracer", tp.Shutdown)

	hist, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	mgr.Register("history", shutdown.CloseResource(hist))

	corr, err := corrector.New(cfg.Corrector, logger)
	if err != nil {
		return fmt.Errorf("corrector: %w", err)
	}

	reg := registry.New()
	for _, spec := range cfg.Workers {
		if err := reg.Register(models.NewWorker(spec)); err != nil {
			return err
		}
	}

	proc := lifecycle.NewOSControl(logger)
	ctrl := lifecycle.NewController(reg, proc, cfg.Lifecycle, logger)
	queue := faultq.New()
	m := metrics.New()

	inspector := inspect.New(cfg.Inspector, logger)
	streams := make(map[string]string, len(cfg.Streams))
	for _, s := range cfg.Streams {
		streams[s.Name] = s.Path
	}
	det := detect.New(reg, proc, inspector, logtail.NewFileSource(streams), queue, cfg.Detector.Config, logger)
	det.AddObserver(m)
	det.AddObserver(hist)
	ctrl.SetCrashReporter(det)

	gate := operator.NewGate(logger)
	var approver workflow.Approver = gate
	if cfg.Workflow.AutoApprove {
		approver = workflow.AutoApprove{}
		logger.Warn("Auto-approve enabled: proposals are applied without review")
	}
	verifier := workflow.FaultVerifier{Inspector: inspector, Relauncher: ctrl}
	wf := workflow.New(ctrl, corr, approver, backup.New(cfg.Workflow.BackupDir, logger), verifier, cfg.Workflow, logger)
	wf.AddObserver(m)

	sup, err := supervisor.New(supervisor.Deps{
		Workers:   reg,
		Queue:     queue,
		Detector:  det,
		Workflow:  wf,
		Lifecycle: ctrl,
		History:   hist,
		Metrics:   m,
		Health:    det.Health(),
	}, cfg.Supervisor, logger)
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		server, err := api.NewServer(sup, gate, hist, m.Handler(), cfg.API.Config, logger, m.Middleware(api.RouteName))
		if err != nil {
			return err
		}
		httpServer := server.NewHTTPServer(cfg.API.Listen)
		if cfg.API.TLS.Enabled() {
			if httpServer.TLSConfig, err = api.ServerTLS(cfg.API.TLS); err != nil {
				return err
			}
		}
		go func() {
			logger.Info("Operator API listening", map[string]interface{}{
				"addr": cfg.API.Listen,
				"tls":  httpServer.TLSConfig != nil,
			})
			var err error
			if httpServer.TLSConfig != nil {
				err = httpServer.ListenAndServeTLS("", "")
			} else {
				err = httpServer.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Operator API failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		go server.RunLimiterCleanup(ctx)
		mgr.Register("api", shutdown.StopHTTPServer(httpServer))
	}

	if paths := watchedPaths(cfg); cfg.Detector.Watch && len(paths) > 0 {
		w, err := watch.New(paths, func([]string) { det.Trigger() }, cfg.Detector.Debounce, logger)
		if err != nil {
			logger.Warn("File watcher unavailable, relying on the analysis interval", map[string]interface{}{"error": err.Error()})
		} else if err := w.Start(ctx); err != nil {
			logger.Warn("File watcher failed to start", map[string]interface{}{"error": err.Error()})
		} else {
			mgr.Register("watcher", func(context.Context) error {
				w.Stop()
				return nil
			})
		}
	}

	if cfg.Metrics.Textfile != "" {
		go m.RunTextfile(ctx, cfg.Metrics.Textfile, cfg.Metrics.TextfileInterval, logger)
	}
	if cfg.Log.Dir != "" && cfg.Log.MaxSizeMB > 0 {
		go logger.RunRotation(ctx, logRotateInterval, int64(cfg.Log.MaxSizeMB)<<20)
	}

	for _, spec := range cfg.Workers {
		if err := ctrl.Launch(ctx, spec.Name); err != nil {
			logger.Error("Failed to launch worker", map[string]interface{}{
				"worker": spec.Name,
				"error":  err.Error(),
			})
			continue
		}
		logger.Info("Worker launched", map[string]interface{}{"worker": spec.Name})
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	var supErr error
	mgr.Register("supervisor", func(sctx context.Context) error {
		sup.Quit()
		select {
		case supErr = <-runErr:
			return supErr
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	if cfg.Console {
		console := operator.NewConsole(gate, sup, os.Stdin, os.Stdout, logger)
		go func() {
			if err := console.Run(ctx); err != nil {
				logger.Debug("Console stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	go func() {
		<-sup.Done()
		mgr.Trigger()
	}()

	mgr.WaitWithContext(ctx)
	return supErr
}

// newLogger builds the process logger. With the console attached, log lines
// go to stderr so prompts stay readable on stdout.
func newLogger(cfg config.LogConfig, console bool) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	jsonFormat := cfg.Format == "json"
	var out io.Writer = os.Stdout
	if console {
		out = os.Stderr
	}

	if cfg.Dir != "" {
		return logging.NewFileLogger(logging.FileOptions{
			Dir:        cfg.Dir,
			Name:       "healwatch",
			Mirror:     out,
			MaxBackups: cfg.MaxBackups,
		}, level, jsonFormat)
	}
	logger := logging.NewLogger(level, jsonFormat)
	logger.SetOutput(out)
	return logger, nil
}

// watchedPaths are the files whose change should trigger an immediate
// analysis pass
func watchedPaths(cfg config.Config) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, a := range cfg.Artifacts {
		add(a)
	}
	for _, s := range cfg.WorkerSources() {
		add(s)
	}
	return paths
}
