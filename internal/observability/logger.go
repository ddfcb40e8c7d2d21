// Package observability provides logging, metrics, and tracing.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/yt-autoreply/internal/config"
)

// SetupLogger configures the process-wide JSON logger. component names the
// process ("server" or "worker") so one log stream per deployment still
// splits cleanly in queries.
func SetupLogger(cfg config.Config, component string) *slog.Logger {
	return newLogger(os.Stdout, cfg, component)
}

func newLogger(w io.Writer, cfg config.Config, component string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("component", component),
		slog.String("env", cfg.AppEnv),
	)
}
