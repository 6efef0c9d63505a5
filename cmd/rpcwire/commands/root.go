package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/rpcwire"
	"github.com/opd-ai/rpcwire/config"
	"github.com/opd-ai/rpcwire/tl/schema"
)

var (
	configFile string
	schemaFile string
	logLevel   string

	cfg *config.Config
	out io.Writer = os.Stdout
)

// NewRoot builds the command tree.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "rpcwire",
		Short:         "Encrypted RPC client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return errors.New("no configuration file given (--config)")
			}
			c, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				c.Logging.Level = strings.ToUpper(logLevel)
			}
			if err := setupLogging(c.Logging); err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML configuration file")
	root.PersistentFlags().StringVarP(&schemaFile, "schema", "s", "", "schema file (.json or TL text)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(handshakeCmd(), invokeCmd(), stateCmd(), forgetCmd())
	return root
}

// Execute runs the command line.
func Execute() error {
	return NewRoot().Execute()
}

func setupLogging(l *config.Logging) error {
	if l.Disable {
		logrus.SetOutput(io.Discard)
		return nil
	}
	if l.File != "" {
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
	}
	switch l.Level {
	case "ERROR":
		logrus.SetLevel(logrus.ErrorLevel)
	case "WARNING":
		logrus.SetLevel(logrus.WarnLevel)
	case "DEBUG":
		logrus.SetLevel(logrus.DebugLevel)
	case "TRACE":
		logrus.SetLevel(logrus.TraceLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	return nil
}

func loadSchema() (*schema.Schema, error) {
	if schemaFile == "" {
		return nil, errors.New("no schema given (--schema)")
	}
	f, err := os.Open(schemaFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(schemaFile), ".json") {
		return schema.LoadJSON(f)
	}
	return schema.Parse(f)
}

// dial connects a client and serves metrics when configured. The returned
// function releases both.
func dial(ctx context.Context) (*rpcwire.Client, func(), error) {
	s, err := loadSchema()
	if err != nil {
		return nil, nil, err
	}
	var reg prometheus.Registerer
	var srv *http.Server
	if cfg.Metrics.Address != "" {
		r := prometheus.NewRegistry()
		reg = r
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Warn("Metrics server stopped")
			}
		}()
	}
	c, err := rpcwire.Dial(ctx, cfg, s, reg)
	if err != nil {
		if srv != nil {
			srv.Close()
		}
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		if srv != nil {
			srv.Close()
		}
	}, nil
}
