// Command swarmd runs a task-auction swarm.
//
// It loads configuration from a TOML file and the environment, connects
// the configured bus and store, and serves worker registrations until
// SIGINT or SIGTERM. With -demo-workers it also runs in-process workers
// and submits a sample task on every status tick.
//
//	swarmd -config swarm.toml
//	swarmd -demo-workers 3 -status 5s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/config"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/shutdown"
	"github.com/vinayprograms/swarmkit/state"
	"github.com/vinayprograms/swarmkit/swarm"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
	"github.com/vinayprograms/swarmkit/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	demoWorkers := flag.Int("demo-workers", 0, "number of in-process demo workers")
	statusEvery := flag.Duration("status", 10*time.Second, "status log interval (0 disables)")
	flag.Parse()

	if err := run(*configPath, *demoWorkers, *statusEvery); err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg := config.Default()
	if err := config.FromEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func run(configPath string, demoWorkers int, statusEvery time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New().WithComponent("swarmd")
	if level, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sd := shutdown.NewCoordinator(shutdown.Config{
		Timeout: 30 * time.Second,
		Logger:  log,
	})

	mb, store, err := openTransport(cfg)
	if err != nil {
		return err
	}
	sd.RegisterFunc("transport", shutdown.PhaseTransport, func(ctx context.Context) error {
		storeErr := store.Close()
		if err := mb.Close(); err != nil {
			return err
		}
		return storeErr
	})

	opts := []swarm.Option{
		swarm.WithBus(mb),
		swarm.WithStore(store),
		swarm.WithLogger(log),
	}
	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRate:  cfg.Telemetry.SampleRate,
		})
		if err != nil {
			sd.ShutdownWithTimeout(0)
			return fmt.Errorf("init telemetry: %w", err)
		}
		opts = append(opts,
			swarm.WithTracer(provider.Tracer()),
			swarm.WithMetrics(provider.Metrics()),
		)
		sd.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
		log.Info("telemetry enabled", map[string]interface{}{
			"endpoint": cfg.Telemetry.Endpoint,
			"protocol": cfg.Telemetry.Protocol,
		})
	}

	s, err := swarm.New(cfg, opts...)
	if err != nil {
		sd.ShutdownWithTimeout(0)
		return err
	}
	if err := s.Start(ctx); err != nil {
		sd.ShutdownWithTimeout(0)
		return err
	}
	sd.RegisterFunc("swarm", shutdown.PhaseSwarm, func(context.Context) error {
		return s.Close()
	})
	sd.RegisterFunc("intake", shutdown.PhaseIntake, func(context.Context) error {
		cancel()
		return nil
	})

	for i := 1; i <= demoWorkers; i++ {
		w, err := newDemoWorker(mb, i, log)
		if err != nil {
			sd.ShutdownWithTimeout(0)
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Warn("demo worker stopped", map[string]interface{}{
					"worker": w.Name(),
					"error":  err.Error(),
				})
			}
		}()
	}
	if demoWorkers > 0 {
		s.SetVisible(true)
	}

	sd.HandleSignals()
	log.Info("swarmd ready", map[string]interface{}{
		"bus":          cfg.Bus.Backend,
		"store":        cfg.Store.Backend,
		"demo_workers": demoWorkers,
	})

	var tick <-chan time.Time
	if statusEvery > 0 {
		ticker := time.NewTicker(statusEvery)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-sd.Done():
			return sd.Err()
		case <-tick:
			logStatus(log, s)
			if demoWorkers > 0 {
				submitDemoTask(ctx, log, s)
			}
			for _, a := range s.DrainAlerts() {
				log.AlertReceived(a.WorkerID, string(a.Severity), a.Category, a.Description)
			}
		}
	}
}

// openTransport connects the configured bus and store. The NATS store
// shares the bus connection, so it requires the NATS bus.
func openTransport(cfg config.Config) (bus.MessageBus, state.StateStore, error) {
	var (
		mb   bus.MessageBus
		nbus *bus.NATSBus
	)
	switch cfg.Bus.Backend {
	case "nats":
		ncfg := bus.DefaultNATSConfig()
		ncfg.URL = cfg.Bus.NATSURL
		ncfg.Name = cfg.Bus.Name
		ncfg.BufferSize = cfg.Bus.BufferSize
		b, err := bus.NewNATSBus(ncfg)
		if err != nil {
			return nil, nil, err
		}
		mb, nbus = b, b
	default:
		mb = bus.NewMemoryBus(bus.Config{BufferSize: cfg.Bus.BufferSize})
	}

	switch cfg.Store.Backend {
	case "nats":
		if nbus == nil {
			mb.Close()
			return nil, nil, fmt.Errorf("store backend nats requires bus backend nats")
		}
		scfg := state.DefaultNATSStoreConfig()
		scfg.Conn = nbus.Conn()
		scfg.Bucket = cfg.Store.Bucket
		store, err := state.NewNATSStore(scfg)
		if err != nil {
			mb.Close()
			return nil, nil, err
		}
		return mb, store, nil
	default:
		return mb, state.NewMemoryStore(), nil
	}
}

func logStatus(log *logging.Logger, s *swarm.Swarm) {
	st := s.Status()
	if st.Hidden {
		return
	}
	log.Info("status", map[string]interface{}{
		"workers":        st.TotalWorkers,
		"active_workers": st.ActiveWorkers,
		"open_auctions":  st.OpenAuctions,
		"active_tasks":   st.ActiveTasks,
		"pending_alerts": st.PendingAlerts,
		"dropped":        st.DroppedMessages,
	})
}

var demoTypes = []tasks.TaskType{tasks.CodeAnalysis, tasks.DataProcessing, tasks.Custom("summarize")}

func newDemoWorker(mb bus.MessageBus, n int, log *logging.Logger) (*worker.Worker, error) {
	cfg := worker.Config{
		Name:              fmt.Sprintf("demo-%d", n),
		Specializations:   []tasks.TaskType{demoTypes[n%len(demoTypes)], demoTypes[(n+1)%len(demoTypes)]},
		MaxConcurrent:     2,
		BaseConfidence:    0.5 + 0.1*float64(n%5),
		Bus:               mb,
		HeartbeatInterval: 2 * time.Second,
	}
	handler := worker.HandlerFunc(func(ctx context.Context, task tasks.Task) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(worker.Estimate(task.Complexity) / 10):
		}
		return json.Marshal(map[string]string{"handled_by": cfg.Name, "task": task.Description})
	})
	return worker.New(cfg, handler, worker.WithLogger(log.WithComponent(cfg.Name)))
}

var demoSeq int

func submitDemoTask(ctx context.Context, log *logging.Logger, s *swarm.Swarm) {
	demoSeq++
	task := tasks.New(demoTypes[demoSeq%len(demoTypes)], tasks.Simple, fmt.Sprintf("demo task %d", demoSeq), nil)
	h, err := s.Submit(ctx, task)
	if err != nil {
		log.Warn("demo task not submitted", map[string]interface{}{
			"task_type": task.Type.String(),
			"error":     err.Error(),
		})
		return
	}
	go func() {
		result, err := h.Wait(ctx)
		if err != nil {
			log.Warn("demo task failed", map[string]interface{}{"task_id": h.TaskID(), "error": err.Error()})
			return
		}
		log.Info("demo task done", map[string]interface{}{
			"task_id":   h.TaskID(),
			"worker_id": result.WorkerID,
		})
	}()
}
