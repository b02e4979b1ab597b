package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/resy-sniper/internal/api"
	"github.com/example/resy-sniper/internal/config"
	"github.com/example/resy-sniper/internal/credentials"
	"github.com/example/resy-sniper/internal/db"
	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/lock"
	"github.com/example/resy-sniper/internal/migrate"
	"github.com/example/resy-sniper/internal/resy"
	"github.com/example/resy-sniper/internal/scheduler"
	"github.com/example/resy-sniper/internal/sink"
	"github.com/example/resy-sniper/internal/snipe"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the snipe daemon: HTTP API + job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			slog.SetDefault(log)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}
			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			credStore, err := credentials.NewStore(d, cfg.CredEncKey)
			if err != nil {
				return err
			}

			// Stored credentials win; a fresh deployment runs on env vars
			// until `resysnipe creds put` has been used.
			plat, err := credStore.GetPlatform(ctx, credentials.DefaultName)
			if err != nil {
				if !db.IsNotFound(err) {
					return err
				}
				plat, err = credentials.FromEnv()
				if err != nil {
					return fmt.Errorf("no stored platform credentials and %w", err)
				}
			}

			// Preflight so dead credentials surface at startup, not at a drop.
			if err := resy.New(resy.Credentials{APIKey: plat.APIKey, AuthToken: plat.AuthToken}).Ping(ctx); err != nil {
				log.Warn("platform credential preflight failed", "err", err)
			}

			loc, err := time.LoadLocation(cfg.Timezone)
			if err != nil {
				return err
			}

			repo := jobs.NewRepo(d)

			sinks := sink.Multi{
				&sink.Log{Logger: log},
				&sink.Postgres{Repo: repo},
			}
			if cfg.AMQPURL != "" {
				mq, err := sink.NewAMQP(cfg.AMQPURL, cfg.ResultQueue)
				if err != nil {
					return fmt.Errorf("amqp sink: %w", err)
				}
				defer mq.Close()
				sinks = append(sinks, mq)
			}

			var jobLock *lock.JobLock
			if cfg.RedisURL != "" {
				// Lock TTL outlives the longest possible run so a crashed
				// replica's claim eventually expires.
				jobLock, err = lock.New(cfg.RedisURL, cfg.Snipe.PollDeadline+10*time.Minute)
				if err != nil {
					return fmt.Errorf("redis lock: %w", err)
				}
				defer jobLock.Close()
			}

			runner := snipe.NewRunner(snipe.RunnerConfig{
				NewClient: func() snipe.Client {
					return resy.New(resy.Credentials{APIKey: plat.APIKey, AuthToken: plat.AuthToken})
				},
				Tunables:        cfg.Snipe,
				Sink:            sinks,
				Logger:          log,
				PaymentMethodID: plat.PaymentMethodID,
			})
			defer runner.Close()

			sched := &scheduler.Scheduler{
				Repo:         repo,
				Runner:       scheduler.SnipeRunner{R: runner},
				Log:          log,
				Tick:         cfg.SchedulerTick,
				ClaimHorizon: cfg.ClaimHorizon,
				// past this, a still-running row can only be a dead replica's
				StaleAfter: cfg.Snipe.PollDeadline + 10*time.Minute,
			}
			if jobLock != nil {
				sched.Lock = jobLock
			}

			apiSrv := api.NewServer(repo, credStore, cfg.HandleHashKey, cfg.HandleBlockKey, log, loc)
			httpSrv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           apiSrv.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := sched.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				log.Info("listening", "addr", cfg.HTTPAddr)
				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutCancel()
				return httpSrv.Shutdown(shutCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	return cmd
}
