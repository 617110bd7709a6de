// Package obs provides lankv's logging facade, a thin wrapper around
// log/slog so every component logs through the same component-scoped
// handle instead of reaching for fmt.Println.
package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetOutput redirects the default logger to w at the given level.
func SetOutput(w io.Writer, level slog.Level) {
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetLevel recreates the default logger at the given level, keeping stderr
// as the sink.
func SetLevel(level slog.Level) {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Default returns the process-wide default logger.
func Default() *slog.Logger {
	return defaultLogger
}

// Logger returns a component-scoped handle. Calls always read the current
// default logger, so SetOutput/SetLevel take effect for handles created
// before the switch too.
func Logger(component string) *Component {
	return &Component{name: component}
}

// Component is a lazily-bound, component-scoped logger.
type Component struct {
	name string
}

func (c *Component) base() *slog.Logger {
	return defaultLogger.With("component", c.name)
}

func (c *Component) Debug(msg string, args ...any) { c.base().Debug(msg, args...) }
func (c *Component) Info(msg string, args ...any)  { c.base().Info(msg, args...) }
func (c *Component) Warn(msg string, args ...any)  { c.base().Warn(msg, args...) }
func (c *Component) Error(msg string, args ...any) { c.base().Error(msg, args...) }

func (c *Component) InfoContext(ctx context.Context, msg string, args ...any) {
	c.base().InfoContext(ctx, msg, args...)
}

func (c *Component) WarnContext(ctx context.Context, msg string, args ...any) {
	c.base().WarnContext(ctx, msg, args...)
}
