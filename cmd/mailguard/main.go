package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailguard/mailguard"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
	builtBy = ""

	configPath string
)

func main() {
	root := &cobra.Command{
		Use:           "mailguard",
		Short:         "SMTP filter that blocks threatening mail using local language models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "mailguard.yaml", "config file (YAML)")
	root.AddCommand(serveCmd(), statusCmd(), sinkCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*mailguard.Config, *logrus.Logger, error) {
	cfg, err := mailguard.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := mailguard.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP filter and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			return serve(cfg, log)
		},
	}
}

func serve(cfg *mailguard.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := mailguard.OpenStore(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	hooks, err := mailguard.NewHooks(cfg.Hooks, log)
	if err != nil {
		return fmt.Errorf("load hooks: %w", err)
	}
	defer mailguard.CloseHooks(hooks)

	inference := mailguard.NewOllama(cfg.Inference.URL, nil)
	engine := &mailguard.Engine{
		Classifier:   mailguard.NewClassifier(inference, cfg.Inference.Endpoints, cfg.Inference.PreflightTimeout, log),
		Store:        store,
		Relay:        &mailguard.SMTPRelay{Addr: cfg.Relay.Addr, Helo: cfg.Relay.Helo, Timeout: cfg.Relay.Timeout},
		Hooks:        hooks,
		StoreTimeout: cfg.Store.Timeout,
		Log:          log,
	}

	srv := &mailguard.Server{
		Addr:            cfg.SMTP.Addr,
		Port:            cfg.SMTP.Port,
		Domain:          cfg.SMTP.Domain,
		ReadTimeout:     cfg.SMTP.ReadTimeout,
		WriteTimeout:    cfg.SMTP.WriteTimeout,
		MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		DecisionBudget:  engine.Budget(cfg.Relay.Timeout),
		Engine:          engine,
		Log:             log,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("smtp server: %w", err)
		}
	}()

	var admin *http.Server
	if cfg.Admin.Addr != "" {
		api := &mailguard.API{Store: store, Inference: inference, Log: log}
		admin = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("admin api listens to %s", cfg.Admin.Addr)
			if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin api: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.WithError(runErr).Error("server stopped")
	}

	// in-flight decisions get their full budget
	shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.DecisionBudget+5*time.Second)
	defer cancel()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("admin api shutdown")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("smtp server shutdown")
	}

	return runErr
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the inference service and the store are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var failed []string

			pctx, cancel := context.WithTimeout(ctx, cfg.Inference.PreflightTimeout)
			err = mailguard.NewOllama(cfg.Inference.URL, nil).Ping(pctx)
			cancel()
			if err != nil {
				fmt.Fprintf(out, "inference: error (%s)\n", err)
				failed = append(failed, "inference")
			} else {
				fmt.Fprintf(out, "inference: ok (%s)\n", cfg.Inference.URL)
			}
			for _, ep := range cfg.Inference.Endpoints {
				fmt.Fprintf(out, "  endpoint %d: %s (timeout %s)\n", ep.Priority, ep.Model, ep.Timeout)
			}

			sctx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
			defer cancel()
			store, err := mailguard.OpenStore(sctx, cfg.Store.Driver, cfg.Store.DSN)
			if err == nil {
				defer store.Close()
				err = store.Ping(sctx)
			}
			if err != nil {
				fmt.Fprintf(out, "database: error (%s)\n", err)
				failed = append(failed, "database")
			} else {
				n, _ := store.Count(sctx)
				fmt.Fprintf(out, "database: ok (%s, %d blocked emails)\n", cfg.Store.Driver, n)
			}

			if len(failed) > 0 {
				return fmt.Errorf("unavailable: %v", failed)
			}
			return nil
		},
	}
}

func sinkCmd() *cobra.Command {
	var (
		addr      string
		dir       string
		dataReply string
	)
	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local SMTP sink that saves every message it receives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Relay.Addr
			}

			save, err := mailguard.SaveToDir(dir)
			if err != nil {
				return err
			}
			sink := &mailguard.Sink{
				Hostname:  cfg.Relay.Helo,
				DataReply: dataReply,
				Log:       log,
				OnMessage: func(m *mailguard.ReceivedMessage) error {
					log.WithFields(logrus.Fields{"id": m.ID, "from": m.MailFrom, "to": m.RcptTo}).Info("message received")
					return save(m)
				},
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				sink.Close()
			}()
			return sink.ListenAndServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: relay.addr)")
	cmd.Flags().StringVar(&dir, "dir", "mailbox", "directory for received messages")
	cmd.Flags().StringVar(&dataReply, "data-reply", "", "reply sent after DATA instead of 250, e.g. \"451 4.3.0 try again\"")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildVersion(version, commit, date, builtBy))
		},
	}
}

func buildVersion(version, commit, date, builtBy string) string {
	var result = version
	if commit != "" {
		result = fmt.Sprintf("%s\ncommit: %s", result, commit)
	}
	if date != "" {
		result = fmt.Sprintf("%s\nbuilt at: %s", result, date)
	}
	if builtBy != "" {
		result = fmt.Sprintf("%s\nbuilt by: %s", result, builtBy)
	}
	return result
}
