// Command config-server serves configuration and resources from the
// branches of a git repository.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/inpertio/config-server/server"
	"github.com/inpertio/config-server/telemetry"
	"github.com/inpertio/config-server/upstream"
)

var version = "dev"

// CLI holds the command line flags.
type CLI struct {
	RemoteURI     string        `help:"Git repository to serve branches from." env:"INPERTIO_CONFIG_REPO_URI" required:""`
	DataRoot      string        `help:"Directory for mirrors, snapshots and the journal (default: new temporary directory)." env:"INPERTIO_DATA_ROOT" type:"path"`
	Address       string        `help:"Address to listen on." default:":8080" env:"INPERTIO_ADDRESS"`
	RemoteTimeout time.Duration `help:"Timeout for listing the remote and syncing one branch (0 keeps the defaults)." default:"0s"`
	ReapInterval  time.Duration `help:"How often orphan snapshots are removed." default:"10m"`
	AuthToken     string        `help:"Require this bearer token on the API." env:"INPERTIO_AUTH_TOKEN"`
	EvictRemoved  bool          `help:"Stop serving wanted branches that were deleted upstream."`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json"`

	MetricsPrometheus bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint      string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("config-server"),
		kong.Description("Serve configuration and resources from the branches of a git repository."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(cli.run())
}

func (c *CLI) run() error {
	logger, err := newLogger(os.Stdout, c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "config-server",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	upstream.InstallHTTPTransport(telemetry.NewInstrumentedTransport(nil, "git"))

	dataRoot := c.DataRoot
	if dataRoot == "" {
		dataRoot, err = os.MkdirTemp("", "config-server-")
		if err != nil {
			return fmt.Errorf("creating data root: %w", err)
		}
		logger.Info("using temporary data root", "path", dataRoot)
	}

	srv, err := server.New(server.Config{
		Address:       c.Address,
		RemoteURI:     c.RemoteURI,
		DataRoot:      dataRoot,
		RemoteTimeout: c.RemoteTimeout,
		ReapInterval:  c.ReapInterval,
		AuthToken:     c.AuthToken,
		EvictRemoved:  c.EvictRemoved,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"version", version,
		"configs_url", fmt.Sprintf("http://localhost%s/api/keyValue/v1/{branch}/{paths}", srv.Address()),
		"resources_url", fmt.Sprintf("http://localhost%s/api/resource/v1/{branch}/{path}", srv.Address()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = srv.Close()
		return err
	}
}

// newLogger builds the process logger: colourised console output for text,
// slog's JSON handler otherwise.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
