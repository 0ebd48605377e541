package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/m2mdeint/cmd"
	"github.com/smazurov/m2mdeint/internal/api"
	"github.com/smazurov/m2mdeint/internal/config"
	"github.com/smazurov/m2mdeint/internal/events"
	"github.com/smazurov/m2mdeint/internal/logging"
	"github.com/smazurov/m2mdeint/internal/metrics/exporters"
	"github.com/smazurov/m2mdeint/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Device settings
	Device            string `help:"Deinterlacer node, or comma separated candidates tried in order (empty probes all)" short:"d" default:"" toml:"device.path" env:"DEVICE_PATH"`
	DeviceWait        bool   `help:"Wait for a deinterlacer node to appear" default:"false" toml:"device.wait" env:"DEVICE_WAIT"`
	DeviceWaitTimeout string `help:"Give up waiting for a node after this long (0 waits forever)" default:"0s" toml:"device.wait_timeout" env:"DEVICE_WAIT_TIMEOUT"`
	InputBuffers      int    `help:"Buffers on the input queue" default:"6" toml:"device.input_buffers" env:"DEVICE_INPUT_BUFFERS"`
	OutputBuffers     int    `help:"Buffers on the output queue" default:"6" toml:"device.output_buffers" env:"DEVICE_OUTPUT_BUFFERS"`
	InputMode         string `help:"Input memory mode (mmap, dmabuf)" default:"mmap" toml:"device.input_mode" env:"DEVICE_INPUT_MODE"`
	OutputMode        string `help:"Output memory mode (mmap, dmabuf)" default:"mmap" toml:"device.output_mode" env:"DEVICE_OUTPUT_MODE"`
	FirstFieldTimeout string `help:"Wait for the first field of a frame (0 waits forever)" default:"0s" toml:"device.first_field_timeout" env:"DEVICE_FIRST_FIELD_TIMEOUT"`
	FieldTimeout      string `help:"Wait for the second field of a frame (negative waits forever)" default:"100ms" toml:"device.field_timeout" env:"DEVICE_FIELD_TIMEOUT"`

	// Video settings
	Width            int    `help:"Frame width" short:"W" default:"720" toml:"video.width" env:"VIDEO_WIDTH"`
	Height           int    `help:"Frame height" short:"H" default:"576" toml:"video.height" env:"VIDEO_HEIGHT"`
	FrameRate        string `help:"Input frame rate, e.g. 25 or 30000/1001" short:"r" default:"25" toml:"video.framerate" env:"VIDEO_FRAMERATE"`
	BottomFieldFirst bool   `help:"Input is bottom field first" default:"false" toml:"video.bottom_field_first" env:"VIDEO_BOTTOM_FIELD_FIRST"`

	// I/O settings
	Input  string `help:"Raw NV12 input file (- for stdin)" short:"i" default:"-" toml:"io.input" env:"IO_INPUT"`
	Output string `help:"Raw NV12 output file (- for stdout, empty discards)" short:"o" default:"-" toml:"io.output" env:"IO_OUTPUT"`

	// Server settings
	Listen string `help:"Status API address, e.g. :8091 (empty disables)" short:"l" default:"" toml:"server.listen" env:"SERVER_LISTEN"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingOutput   string `help:"Console log stream (stderr, stdout)" default:"stderr" toml:"logging.output" env:"LOGGING_OUTPUT"`
	LoggingJournal  string `help:"Send logs to the systemd journal (auto, on, off)" default:"auto" toml:"logging.journal" env:"LOGGING_JOURNAL"`
	LoggingPipeline string `help:"Pipeline and device logging level" default:"info" toml:"logging.m2m" env:"LOGGING_M2M"`
	LoggingRunner   string `help:"Frame runner logging level" default:"info" toml:"logging.runner" env:"LOGGING_RUNNER"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:   opts.LoggingLevel,
			Format:  opts.LoggingFormat,
			Output:  opts.LoggingOutput,
			Journal: opts.LoggingJournal,
			Modules: map[string]string{
				"m2m":    opts.LoggingPipeline,
				"runner": opts.LoggingRunner,
				"api":    opts.LoggingAPI,
			},
		})

		logger := logging.GetLogger("main")

		settings, err := newRunSettings(opts)
		if err != nil {
			logger.Error("Invalid options", "error", err)
			os.Exit(2)
		}
		if opts.Output == "-" && opts.LoggingOutput == "stdout" {
			logger.Error("Frames and logs cannot both go to stdout")
			os.Exit(2)
		}

		// Create event bus for in-process event handling
		eventBus := events.New()
		unsubscribe := logEvents(eventBus, logging.GetLogger("events"))

		// Module levels follow the config file while running
		watcher := config.NewConfigWatcher(opts.Config, config.ReadLoggingConfig, logger)
		watcher.OnReload(func(cfg logging.Config) {
			for module, level := range cfg.Modules {
				if !logging.SetModuleLevel(module, level) {
					logger.Warn("Ignoring invalid module level", "module", module, "level", level)
				}
			}
			logger.Info("Logging levels reloaded", "modules", len(cfg.Modules))
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		status := &statusTracker{}
		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))

		var server *api.Server
		if opts.Listen != "" {
			server = api.NewServer(&api.Options{
				EventBus:          eventBus,
				Status:            status.Status,
				PrometheusHandler: exporters.HTTPHandler(),
			})
		}

		hooks.OnStart(func() {
			defer close(done)

			if startErr := watcher.Start(); startErr != nil {
				logger.Debug("Config watcher not started", "path", opts.Config, "error", startErr)
			}
			defer watcher.Stop()
			defer unsubscribe()

			go watchDevices(ctx, eventBus, logging.GetLogger("devices"))

			if server != nil {
				go func() {
					logger.Info("Starting HTTP server", "addr", opts.Listen)
					if startErr := server.Start(ctx, opts.Listen); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
						logger.Error("HTTP server failed", "error", startErr)
					}
				}()
			}

			notifier.Ready()
			notifier.Status("Deinterlacing %dx%d to %.4g fps", settings.width, settings.height, settings.timing.Doubled().FrameRate.Float64())
			go notifier.RunWatchdog(ctx, func() bool { return status.Status().Error == "" })

			if runErr := run(ctx, settings, eventBus, status, logger); runErr != nil {
				logger.Error("Deinterlacer stopped", "error", runErr)
				cancel()
				os.Exit(1)
			}
			cancel()
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			notifier.Stopping()
			cancel()
			<-done
		})
	})

	// Add probe command
	probeCmd := cmd.CreateProbeCmd()
	cli.Root().AddCommand(probeCmd)

	// Run the CLI
	cli.Run()
}
