// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// Loggers are slog loggers tagged with a module attribute. Records go to a
// console stream and, when journald is reachable, to the systemd journal:
//
//	Journal available + console → MultiHandler (both)
//	Journal only               → JournalHandler
//	Console only               → TextHandler or JSONHandler
//
// The console stream is stderr unless configured otherwise, leaving stdout
// free for raw frames.
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"m2m": "debug",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("m2m").With("device", path)
//	logger.Warn("Second field not returned in time", "pts", pts)
//
// Loggers obtained before Initialize follow the configured levels once it
// runs. SetModuleLevel changes a single module later on.
//
// # Viewing Logs
//
//	journalctl -t m2mdeint -f
//	journalctl -t m2mdeint MODULE=m2m DEVICE=/dev/video10
//
// # Configuration
//
//	[logging]
//	level = "info"
//	format = "text"
//	output = "stderr"
//	journal = "auto"
//
//	[logging.modules]
//	m2m = "debug"
package logging
