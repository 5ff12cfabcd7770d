package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/barineco/illo-sub000/activitypub"
	"github.com/barineco/illo-sub000/domain"
	"github.com/barineco/illo-sub000/util"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          util.Name,
		Short:        "ActivityPub federation core for an illustration sharing service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		actorCmd(),
		resolveCmd(),
		deliveriesCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger.
func setup() (*util.AppConfig, *zap.Logger, error) {
	boot, err := util.NewLogger(verbose)
	if err != nil {
		return nil, nil, err
	}
	var conf *util.AppConfig
	if configFile != "" {
		conf, err = util.ReadConfFrom(configFile)
	} else {
		conf, err = util.ReadConf(boot)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !conf.Conf.Debug {
		return conf, boot, nil
	}
	logger, err := util.NewLogger(true)
	if err != nil {
		return nil, nil, err
	}
	return conf, logger, nil
}

// withApp runs f against a migrated, fully wired app.
func withApp(ctx context.Context, f func(ctx context.Context, a *app) error) error {
	conf, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.store.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return f(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation HTTP server and delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	if !a.conf.Conf.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	a.log.Info("starting",
		zap.String("version", util.GetVersion()),
		zap.String("domain", a.apConf.Domain),
		zap.String("queue", a.conf.Queue.Driver))

	if _, _, err := a.dir.InstanceKey(ctx); err != nil {
		return fmt.Errorf("preparing instance actor: %w", err)
	}
	if err := a.queue.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.conf.Conf.Host, a.conf.Conf.HttpPort),
		Handler:           a.router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		a.log.Info("http: listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
	}

	a.log.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http: shutdown failed", zap.Error(err))
	}
	a.processor.Wait()
	a.queue.Stop()
	return serveErr
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				a.log.Info("database migrations complete", zap.String("driver", a.conf.Database.Driver))
				return nil
			})
		},
	}
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}

	var displayName string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a local actor and its keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if args[0] == activitypub.InstanceActorUsername {
					return fmt.Errorf("%s is reserved for the instance actor", args[0])
				}
				name := displayName
				if name == "" {
					name = args[0]
				}
				actor, err := a.dir.CreateLocalActor(ctx, args[0], name)
				if err != nil {
					return err
				}
				if _, err := a.dir.KeyFor(ctx, actor); err != nil {
					return fmt.Errorf("generating keys: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", actor.ActorURI)
				return nil
			})
		},
	}
	create.Flags().StringVar(&displayName, "name", "", "display name")

	cmd.AddCommand(create)
	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <user@domain>",
		Short: "Resolve a remote actor through WebFinger and cache it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				actor, err := a.dir.ResolveHandle(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"handle":      actor.Handle(),
					"id":          actor.ActorURI,
					"name":        actor.DisplayName,
					"inbox":       actor.InboxURI,
					"sharedInbox": actor.SharedInboxURI,
				}
				if !actor.IsLocal() {
					out["instance"] = a.prober.Probe(ctx, actor.Domain)
				}
				fmt.Fprintln(cmd.OutOrStdout(), util.PrettyPrint(out))
				return nil
			})
		},
	}
}

func deliveriesCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List outbound deliveries by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.DeliveryStatus(strings.ToUpper(status))
			switch st {
			case domain.DeliveryPending, domain.DeliveryDelivered, domain.DeliveryFailed:
			default:
				return fmt.Errorf("unknown status %q, want pending, delivered or failed", status)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				records, err := a.store.ReadDeliveries(ctx, st, limit)
				if err != nil {
					return err
				}
				return printDeliveries(cmd, records)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.DeliveryPending), "pending, delivered or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	return cmd
}

func printDeliveries(cmd *cobra.Command, records []domain.DeliveryRecord) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tINBOX\tSTATUS\tATTEMPTS\tLAST ATTEMPT\tLAST ERROR")
	for _, r := range records {
		last := "-"
		if r.LastAttemptAt != nil {
			last = r.LastAttemptAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Id, r.ActivityType, r.InboxURL, r.Status, r.AttemptCount, last, truncate(r.LastError, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), util.GetNameAndVersion())
		},
	}
}
