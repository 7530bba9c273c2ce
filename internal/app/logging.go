package app

import (
	"fmt"
	"io"
	"os"
	"time"

	"jsonic/netsync/internal/config"
	"jsonic/netsync/logging"
	loggingsinks "jsonic/netsync/logging/sinks"
)

// newRouter builds the event router for one process role. The console sink is
// always on; the JSON sink is added when a path is configured.
func newRouter(cfg config.Config, role string, console io.Writer) (*logging.Router, error) {
	logCfg := cfg.Logging()
	logCfg.Fields = map[string]any{"role": role}

	if console == nil {
		console = os.Stdout
	}
	named := []logging.NamedSink{{Name: "console", Sink: loggingsinks.NewConsole(console)}}
	if logCfg.HasSink("json") {
		file, err := os.OpenFile(logCfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open json log %s: %w", logCfg.JSON.FilePath, err)
		}
		named = append(named, logging.NamedSink{Name: "json", Sink: loggingsinks.NewJSON(file, logCfg.JSON.FlushInterval)})
	}

	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logCfg, named)
	if err != nil {
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	return router, nil
}
