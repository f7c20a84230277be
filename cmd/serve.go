package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/andresmejia3/scribe/internal/config"
	"github.com/andresmejia3/scribe/internal/dispatch"
	"github.com/andresmejia3/scribe/internal/emitter"
	"github.com/andresmejia3/scribe/internal/engine"
	"github.com/andresmejia3/scribe/internal/engine/tesseract"
	"github.com/andresmejia3/scribe/internal/logging"
	"github.com/andresmejia3/scribe/internal/rpc"
	"github.com/andresmejia3/scribe/internal/store"
	"github.com/andresmejia3/scribe/internal/telemetry"
	"github.com/andresmejia3/scribe/internal/utils"
	"github.com/andresmejia3/scribe/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OCR gRPC server",
	Long: `Starts a fixed pool of recognition workers behind the ocrservice.OCRService
gRPC API. Flags override values from --config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyServeFlags(cmd.Flags(), cfg); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	addServeFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(f *pflag.FlagSet) {
	f.StringP("listen", "l", ":50051", "Address to listen on")
	f.IntP("workers", "w", 4, "Number of recognition workers")
	f.String("engine", "tesseract", "Recognition engine: tesseract or process")
	f.StringSlice("lang", []string{"eng"}, "Tesseract languages")
	f.StringSlice("worker-cmd", nil, "Command (and args) of the process engine, e.g. python3,ocr_worker.py")
	f.Int("max-attempts", 3, "Attempts per image before its failure is reported")
	f.Duration("retry-delay", 200*time.Millisecond, "Pause between attempts")
	f.Int("queue-capacity", 0, "Maximum queued images (0 = unbounded)")
	f.String("queue-policy", "reject", "What a full queue does: reject or block")
	f.Duration("call-timeout", 0, "Deadline applied to each unary call (0 = none)")
	f.String("mqtt", "", "MQTT broker (host:port) for delivery events")
	f.Duration("metrics-interval", time.Minute, "How often metrics are logged (0 = never)")
	f.Duration("shutdown-timeout", 30*time.Second, "How long shutdown waits for queued work")
}

// applyServeFlags copies every flag the user set onto cfg and validates the
// result.
func applyServeFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && fs.Changed(name) {
			err = apply()
		}
	}

	set("listen", func() (e error) { cfg.Listen, e = fs.GetString("listen"); return })
	set("workers", func() (e error) { cfg.Dispatch.Workers, e = fs.GetInt("workers"); return })
	set("engine", func() (e error) { cfg.Engine.Kind, e = fs.GetString("engine"); return })
	set("lang", func() (e error) { cfg.Engine.Languages, e = fs.GetStringSlice("lang"); return })
	set("worker-cmd", func() (e error) { cfg.Engine.Command, e = fs.GetStringSlice("worker-cmd"); return })
	set("max-attempts", func() (e error) { cfg.Dispatch.MaxAttempts, e = fs.GetInt("max-attempts"); return })
	set("retry-delay", func() (e error) { cfg.Dispatch.RetryDelay, e = fs.GetDuration("retry-delay"); return })
	set("queue-capacity", func() (e error) { cfg.Dispatch.QueueCapacity, e = fs.GetInt("queue-capacity"); return })
	set("queue-policy", func() (e error) { cfg.Dispatch.QueuePolicy, e = fs.GetString("queue-policy"); return })
	set("call-timeout", func() (e error) { cfg.RPC.CallTimeout, e = fs.GetDuration("call-timeout"); return })
	set("mqtt", func() (e error) { cfg.MQTT.Broker, e = fs.GetString("mqtt"); return })
	set("metrics-interval", func() (e error) { cfg.Metrics.Interval, e = fs.GetDuration("metrics-interval"); return })
	set("shutdown-timeout", func() (e error) { cfg.ShutdownTimeout, e = fs.GetDuration("shutdown-timeout"); return })
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg.Validate()
}

// engineFactory builds the unit factory for the configured engine.
func engineFactory(cfg config.EngineConfig) (engine.Factory, error) {
	switch cfg.Kind {
	case "tesseract":
		return tesseract.Factory(tesseract.Options{
			Languages:    cfg.Languages,
			MaxDimension: cfg.MaxDimension,
			Variables:    cfg.Variables,
		}), nil
	case "process":
		return worker.Factory(worker.Config{Command: cfg.Command, Timeout: cfg.Timeout}), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Kind)
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Sync()

	tel := telemetry.NewProvider(true)
	defer tel.Shutdown(context.Background())

	factory, err := engineFactory(cfg.Engine)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d %s workers...\n", cfg.Dispatch.Workers, cfg.Engine.Kind)
	d, err := dispatch.New(cfg.DispatchConfig(), factory,
		dispatch.WithLogger(log),
		dispatch.WithMeter(tel.Meter("github.com/andresmejia3/scribe")))
	if err != nil {
		utils.ShowError("Failed to start workers", err, nil)
		return err
	}

	var observers []rpc.Observer
	var db *store.Store
	var mq *emitter.MQTTEmitter
	if url := resolveDBURL(cfg.Database.URL, false); url != "" {
		db, err = store.New(ctx, url)
		if err != nil {
			d.Shutdown(context.Background())
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		observers = append(observers, db)
		log.Info("delivery archive enabled")
	}

	if cfg.MQTT.Broker != "" {
		mq = emitter.NewMQTTEmitter(emitter.Options{
			Broker:        cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			BaseTopic:     cfg.MQTT.BaseTopic,
			QoS:           cfg.MQTT.QoS,
			PreviewLength: cfg.MQTT.PreviewLength,
		}, log)
		if err := mq.Connect(ctx); err != nil {
			// Events are best effort; the client keeps retrying in the background.
			log.Warn("mqtt unavailable at startup", zap.Error(err))
		}
		defer mq.Close()
		observers = append(observers, mq)
	}

	srv, err := rpc.NewServer(d, log, rpc.Options{
		CallTimeout:    cfg.RPC.CallTimeout,
		MaxMessageSize: cfg.RPC.MaxMessageSize,
		GracePeriod:    cfg.RPC.GracePeriod,
	}, observers...)
	if err != nil {
		d.Shutdown(context.Background())
		return err
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		d.Shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	metricsDone := make(chan struct{})
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	go func() {
		defer close(metricsDone)
		logMetrics(metricsCtx, log, tel, d, mq, cfg.Metrics.Interval)
	}()

	fmt.Fprintf(os.Stderr, "🚀 Scribe listening on %s\n", lis.Addr())
	serveErr := srv.Serve(ctx, lis)

	fmt.Fprintln(os.Stderr, "🛑 Shutting down, draining queued work...")
	stopMetrics()
	<-metricsDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		log.Warn("dispatcher shutdown incomplete", zap.Error(err))
	}
	if err := srv.Close(5 * time.Second); err != nil {
		log.Warn("pending deliveries not flushed", zap.Error(err))
	}

	if fields, err := tel.Report(context.Background()); err == nil {
		log.Info("final metrics", fields...)
	}
	fmt.Fprintln(os.Stderr, "✨ Scribe stopped.")
	return serveErr
}

// logMetrics logs a metrics snapshot every interval until ctx ends. mq may
// be nil when events are disabled.
func logMetrics(ctx context.Context, log *zap.Logger, tel *telemetry.Provider, d *dispatch.Dispatcher, mq *emitter.MQTTEmitter, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fields, err := tel.Report(ctx)
			if err != nil {
				log.Warn("metrics collection failed", zap.Error(err))
				continue
			}
			st := d.Stats()
			fields = append(fields, zap.Int("queued", st.Queued), zap.Int("tracked", st.Tracked))
			if mq != nil {
				fields = append(fields, mqttFields(mq.Stats())...)
			}
			log.Info("metrics", fields...)
		}
	}
}

func mqttFields(st emitter.Stats) []zap.Field {
	var published uint64
	for _, n := range st.Published {
		published += n
	}
	return []zap.Field{
		zap.Bool("mqtt_connected", st.Connected),
		zap.Uint64("mqtt_published", published),
		zap.Uint64("mqtt_errors", st.Errors),
	}
}
