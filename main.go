package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pi-h264-streamer/config"
	"pi-h264-streamer/pipeline"
	"pi-h264-streamer/web"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Pi H.264 Streamer"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	pipeline  *pipeline.Orchestrator
	webServer *web.Server
}

func main() {
	// Parse command line flags
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		simulate   = flag.Bool("simulate", false, "Use simulated camera and encoder")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Captures from the Pi camera, encodes H.264 in hardware and streams it over RTP or WebRTC")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  PI_IP - Override auto-detected Pi IP address")
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := createLogger(*logLevel, cfg.Logging.MaxLogFiles)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.Bool("simulate", *simulate))

	// Override PI IP from environment if set
	if envIP := os.Getenv("PI_IP"); envIP != "" {
		cfg.Server.PIIp = envIP
		logger.Info("PI IP overridden from environment", zap.String("ip", envIP))
	}

	logger.Info("Configuration loaded",
		zap.String("camera", fmt.Sprintf("%dx%d@%d", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)),
		zap.String("encoder", cfg.Encoder.Device),
		zap.String("output", cfg.Output.Mode),
		zap.Int("web_port", cfg.Server.WebPort))

	var backend pipeline.Backend
	if *simulate {
		backend = &pipeline.SimBackend{FrameRate: cfg.Camera.FPS, AutoEncode: true, IntraPeriod: cfg.Encoder.IntraPeriod}
	} else {
		backend = pipeline.NewV4L2Backend(logger)
	}

	app := NewApplication(cfg, logger)

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(ctx, backend); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		app.Stop(context.Background())
		os.Exit(1)
	}

	exitCode := 0
	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-app.pipeline.Errors():
		logger.Error("Pipeline failed", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown
	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		exitCode = 1
	}

	logger.Info("Shutdown complete")
	logger.Sync()
	os.Exit(exitCode)
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
	}
}

// Start builds the pipeline, starts the status server and then streaming
func (a *Application) Start(ctx context.Context, backend pipeline.Backend) error {
	a.logger.Info("Starting application components")

	p, err := pipeline.New(a.config, backend, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	a.pipeline = p

	if a.config.Server.Enabled {
		a.webServer = web.NewServer(a.config, a.logger)
		a.webServer.SetPipeline(p)
		if err := a.webServer.Start(); err != nil {
			return fmt.Errorf("failed to start web server: %w", err)
		}
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	a.logger.Info("Application started successfully",
		zap.String("session", p.SessionID()),
		zap.String("camera", p.Camera().ID),
		zap.String("geometry", p.Geometry().String()),
		zap.String("status_url", fmt.Sprintf("http://%s:%d/api/status", a.config.Server.PIIp, a.config.Server.WebPort)))
	return nil
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}

	if a.pipeline != nil {
		if err := a.pipeline.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// createLogger creates a structured logger writing to stdout and logs/
func createLogger(level string, maxFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}
	if maxFiles <= 0 {
		maxFiles = 20
	}

	// Prepare log directory and file path
	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("pi-h264-streamer-%s.log", ts))

	// Clean up old logs, keeping the newest maxFiles
	files, _ := filepath.Glob(filepath.Join(logDir, "pi-h264-streamer-*.log"))
	if len(files) > maxFiles {
		sort.Strings(files) // lexicographic order matches timestamp
		for _, f := range files[:len(files)-maxFiles] {
			_ = os.Remove(f)
		}
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return config.Build()
}
