package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/davidroman0O/metalflow/container"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/config"
	"github.com/davidroman0O/metalflow/pkg/inventory"
	"github.com/davidroman0O/metalflow/pkg/logging"
	"github.com/davidroman0O/metalflow/pkg/redfish"
	"github.com/davidroman0O/metalflow/pkg/vendortool"
	workflow "github.com/davidroman0O/metalflow/workflows"
)

// runtime holds the collaborators commands are wired from
type runtime struct {
	cfg        *config.Config
	log        zerolog.Logger
	monitor    *monitor.Monitor
	inventory  *inventory.BadgerStore
	redfish    *redfish.Client
	vendor     *vendortool.Adapter
	containers *container.Runner
}

func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if configFile != "" {
		return loader.LoadFromFile(configFile)
	}
	return loader.Load()
}

// newRuntime loads configuration and opens the inventory and adapters
func newRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if verboseMode {
		level = "debug"
	}
	logger, err := logging.Setup(level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	inv, err := openInventory(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:       cfg,
		log:       logger,
		monitor:   monitor.New(),
		inventory: inv,
		redfish:   redfish.New(redfish.Options{Timeout: cfg.Redfish.Timeout, Insecure: cfg.Redfish.Insecure}),
	}

	var runner vendortool.Runner
	switch cfg.VendorTool.Mode {
	case config.ModeDocker:
		rt.containers, err = container.NewRunner()
		if err != nil {
			_ = inv.Close()
			return nil, err
		}
		runner = &vendortool.DockerRunner{Containers: rt.containers, Image: cfg.VendorTool.Image}
	default:
		runner = &vendortool.SSHRunner{
			Port:      cfg.VendorTool.SSHPort,
			Timeout:   cfg.VendorTool.Timeout,
			RemoteDir: cfg.VendorTool.RemoteDir,
		}
	}
	rt.vendor = vendortool.NewAdapter(runner)
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.containers != nil {
		_ = rt.containers.Close()
	}
	if err := rt.inventory.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("closing inventory")
	}
}

// retryPolicy is the configured policy for idempotent steps
func (rt *runtime) retryPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		Idempotent:  true,
		MaxAttempts: rt.cfg.Workflow.RetryAttempts,
		Backoff:     rt.cfg.Workflow.RetryBackoff,
	}
}

// execute runs steps as one workflow while streaming monitor events to the
// log. An interrupt cancels the workflow at the next step boundary.
func (rt *runtime) execute(sc *workflow.StepContext, steps ...workflow.Step) (workflow.RunResult, workflow.Snapshot, error) {
	exec := workflow.NewExecutor(
		workflow.WithReporter(rt.monitor),
		workflow.WithLogger(logging.NewWorkflowLogger(rt.log, "")),
	)
	wf, err := exec.Create(steps, sc)
	if err != nil {
		return workflow.RunResult{}, workflow.Snapshot{}, err
	}
	sc.Logger = logging.NewWorkflowLogger(rt.log, wf.ID)

	finish := followEvents(rt.log, rt.monitor)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := exec.Start(context.Background(), wf)
	select {
	case <-h.Done():
	case <-sigCtx.Done():
		rt.log.Warn().Str("workflow", wf.ID).Msg("interrupt received, stopping after the current step")
		_ = exec.Cancel(wf)
	}
	res := h.Wait()
	finish()
	return res, exec.Status(wf), nil
}

// followEvents logs monitor events in the background. The returned func
// unsubscribes, then waits until every buffered event has been logged.
func followEvents(log zerolog.Logger, m *monitor.Monitor) func() {
	sub := m.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		logging.NewEventSink(log).Follow(context.Background(), sub)
	}()
	return func() {
		m.Unsubscribe(sub.ID)
		<-done
	}
}
