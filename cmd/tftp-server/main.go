// Command tftp-server runs the TFTP daemon.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wjholden/tftpd/internal/config"
	"github.com/wjholden/tftpd/internal/fsbackend"
	"github.com/wjholden/tftpd/internal/metrics"
	"github.com/wjholden/tftpd/tftp"
)

func main() {
	var (
		configPath string
		listen     string
		root       string
		readonly   bool
		discard    bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:           "tftp-server",
		Short:         "TFTP server with RFC 2347-2349 option negotiation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("root") {
				cfg.Root = root
			}
			if readonly {
				cfg.CanWrite = false
			}
			if discard {
				cfg.Discard = true
			}
			if verbose {
				cfg.Log.Level = "debug"
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listen, "listen", ":69", "UDP address to listen on")
	cmd.Flags().StringVar(&root, "root", ".", "directory to serve")
	cmd.Flags().BoolVar(&readonly, "readonly", false, "reject all writes")
	cmd.Flags().BoolVar(&discard, "discard", false, "accept transfers but don't actually write them to disk")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}

	backend := fsbackend.New(afero.NewOsFs(), cfg.Root)
	backend.CanRead = cfg.CanRead
	backend.CanWrite = cfg.CanWrite
	backend.Discard = cfg.Discard

	srv := &tftp.Server{
		Addr:    cfg.Listen,
		Backend: backend,
		Config: tftp.Config{
			MaxRetries:   cfg.MaxRetries,
			Timeout:      cfg.Timeout(),
			MaxBlockSize: cfg.MaxBlockSize,
		},
		Log: log,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	if cfg.MetricsListen != "" {
		msrv := &http.Server{
			Addr:    cfg.MetricsListen,
			Handler: metrics.Handler(),
		}
		g.Go(func() error {
			log.WithField("addr", cfg.MetricsListen).Info("metrics listening")
			if err := msrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return msrv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
