package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fzft/go-reactor/echo"
	"github.com/fzft/go-reactor/log"
	"github.com/fzft/go-reactor/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	serveConfig = node.DefaultConfig()
	ServeCmd    = &cobra.Command{
		Use:     "serve",
		Short:   "Start the echo server",
		Long:    `Start the echo server. Every flag can also be set as REACTOR_<FLAG> in the environment or a .env file (e.g. REACTOR_BUFFER_SIZE=4096).`,
		PreRunE: processConfig,
		RunE:    serve,
	}
)

func init() {
	defaults := node.DefaultConfig()
	ServeCmd.Flags().Uint16("port", defaults.Port, "port to listen on (0 picks a free one)")
	ServeCmd.Flags().Int("workers", defaults.Workers, "worker goroutines running the handler")
	ServeCmd.Flags().Int("buffer-size", defaults.BufferSize, "bytes read from a connection per event")
	ServeCmd.Flags().Int("max-events", defaults.MaxEvents, "events retrieved per epoll_wait")
	ServeCmd.Flags().Duration("timeout", defaults.Timeout, "socket send/receive timeout, 0 disables")
	ServeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	ServeCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address (e.g. :9100), empty disables")
}

// processConfig reads flags and environment variables into serveConfig.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveConfig.Port = viper.GetUint16("port")
	serveConfig.Workers = viper.GetInt("workers")
	serveConfig.BufferSize = viper.GetInt("buffer-size")
	serveConfig.MaxEvents = viper.GetInt("max-events")
	serveConfig.Timeout = viper.GetDuration("timeout")

	if err := serveConfig.Validate(); err != nil {
		return err
	}
	return log.InitLogger(viper.GetString("log-level"))
}

func serve(_ *cobra.Command, _ []string) error {
	defer log.Logger.Sync()

	srv, err := node.NewServer(serveConfig)
	if err != nil {
		return fatal(err)
	}
	defer srv.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			log.Logger.Info("signal received")
			if err := srv.Close(); err != nil {
				log.Logger.Warn("shutdown error", zap.Error(err))
			}
		}
	}()

	if addr := viper.GetString("metrics-addr"); addr != "" {
		ms := serveMetrics(addr, srv.Metrics())
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(ctx)
		}()
	}

	if addr, err := srv.Addr(); err == nil {
		log.Logger.Info("listening", zap.Stringer("addr", addr))
	}
	if err := srv.Run(echo.New()); err != nil {
		return fatal(err)
	}
	log.Logger.Info("shutting down server")
	return nil
}

func serveMetrics(addr string, set *metrics.Set) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	ms := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return ms
}

// fatal logs a setup failure with its kind before it ends the process.
func fatal(err error) error {
	fields := []zap.Field{zap.Error(err)}
	var serr *node.Error
	if errors.As(err, &serr) {
		fields = append(fields, zap.Stringer("kind", serr.Kind))
	}
	log.Logger.Error("fatal server error", fields...)
	return err
}
