package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ymgong66966/restaurant-order-verifier/internal/capture"
	"github.com/ymgong66966/restaurant-order-verifier/internal/config"
	"github.com/ymgong66966/restaurant-order-verifier/internal/events"
	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/mic"
	"github.com/ymgong66966/restaurant-order-verifier/internal/ordering"
	"github.com/ymgong66966/restaurant-order-verifier/internal/server"
	"github.com/ymgong66966/restaurant-order-verifier/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "restaurant-order-verifier"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("capture_source", cfg.Capture.Source),
		slog.String("native_format", cfg.Capture.NativeFormat().String()),
		slog.String("backend_url", cfg.Backend.BaseURL),
		slog.Duration("backend_timeout", cfg.Backend.GetTimeoutDuration()),
		slog.Int("backend_max_retries", cfg.Backend.MaxRetries),
		slog.Float64("vad_threshold", float64(cfg.Streaming.VADThreshold)),
		slog.Bool("events_enabled", cfg.Events.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Transcription backend
	client, err := transcription.NewClient(transcription.Config{
		BaseURL:       cfg.Backend.BaseURL,
		APIKey:        cfg.Backend.APIKey,
		Timeout:       cfg.Backend.GetTimeoutDuration(),
		MaxRetries:    cfg.Backend.MaxRetries,
		RetryBackoff:  cfg.Backend.GetRetryBackoff(),
		MaxConcurrent: cfg.Backend.MaxConcurrent,
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	// Audio source
	var (
		tap        capture.Tap
		authorizer transcription.Authorizer
	)
	switch cfg.Capture.Source {
	case config.SourcePortAudio:
		if err := mic.Initialize(); err != nil {
			logger.Error("Failed to initialize PortAudio", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer mic.Terminate()

		micTap := mic.NewTap(mic.Config{
			SampleRate:      cfg.Capture.SampleRate,
			Channels:        cfg.Capture.Channels,
			FramesPerBuffer: cfg.Capture.FramesPerBuffer,
		}, logger)
		tap, authorizer = micTap, micTap
	default:
		tap = capture.NewPushTap(cfg.Capture.NativeFormat())
	}
	logger.Info("Audio source initialized",
		slog.String("source", cfg.Capture.Source),
		slog.String("format", tap.Format().String()),
	)

	// Event publishing
	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		natsPublisher, err := events.Connect(events.Config{
			URL:           cfg.Events.NATSURL,
			Name:          cfg.Events.Name,
			ReconnectWait: cfg.Events.GetReconnectWait(),
			MaxReconnects: cfg.Events.MaxReconnects,
		}, logger, appMetrics)
		if err != nil {
			logger.Warn("Event publishing disabled", slog.String("error", err.Error()))
		} else {
			publisher = natsPublisher
		}
	}
	defer publisher.Close()

	recognizer := transcription.NewChunkedRecognizer(client, transcription.ChunkedConfig{
		VADThreshold:       cfg.Streaming.VADThreshold,
		WindowDuration:     cfg.Streaming.GetWindowDuration(),
		MinDuration:        cfg.Streaming.GetChunkMinDuration(),
		MaxDuration:        cfg.Streaming.GetChunkMaxDuration(),
		MinSpeechDuration:  cfg.Streaming.GetMinSpeechDuration(),
		MinSilenceDuration: cfg.Streaming.GetMinSilenceDuration(),
		ExtractItems:       cfg.Streaming.ExtractItems,
	}, logger, appMetrics)

	orders, err := ordering.New(ordering.Options{
		Tap:         tap,
		Capture:     capture.Config{MaxBufferBytes: cfg.Capture.MaxBufferBytes},
		Backend:     client,
		Recognizer:  recognizer,
		Authorizer:  authorizer,
		Publisher:   publisher,
		QueueSize:   cfg.Streaming.QueueSize,
		IdleTimeout: cfg.Streaming.GetIdleTimeout(),
		Logger:      logger,
		Metrics:     appMetrics,
	})
	if err != nil {
		logger.Error("Failed to create ordering service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Ordering service initialized",
		slog.Duration("stream_idle_timeout", cfg.Streaming.GetIdleTimeout()),
	)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, orders, client, appMetrics, prometheus.DefaultGatherer)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Cancel live streams and drop any unfinished recording
	orders.Close()

	stats := orders.Stats()
	backendStats := client.GetStats()
	logger.Info("Final service statistics",
		slog.Int("order_items", stats.OrderItems),
		slog.Uint64("completed_recordings", stats.Capture.Completed),
		slog.Uint64("backend_requests", backendStats.TotalRequests),
		slog.Uint64("backend_failures", backendStats.FailedRequests),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
