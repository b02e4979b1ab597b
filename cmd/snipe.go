package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/resy-sniper/internal/config"
	"github.com/example/resy-sniper/internal/credentials"
	"github.com/example/resy-sniper/internal/resy"
	"github.com/example/resy-sniper/internal/sink"
	"github.com/example/resy-sniper/internal/snipe"
)

// newSnipeCmd runs a single job in the foreground with no database: wait for
// the drop, poll, book, print the outcome.
func newSnipeCmd() *cobra.Command {
	var (
		venueID       string
		partySize     int
		idealDate     string
		daysInAdvance int
		idealTime     string
		windowHours   float64
		preferEarlier bool
		seatingType   string
		dropDate      string
		dropTime      string
		timezone      string
	)

	c := &cobra.Command{
		Use:   "snipe",
		Short: "Run one snipe in the foreground (credentials from env)",
		RunE: func(cmd *cobra.Command, args []string) error {
			plat, err := credentials.FromEnv()
			if err != nil {
				return err
			}

			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return fmt.Errorf("invalid --timezone: %w", err)
			}
			drop, err := time.ParseInLocation("2006-01-02 15:04", dropDate+" "+dropTime, loc)
			if err != nil {
				return fmt.Errorf("invalid --drop-date/--drop-time (want YYYY-MM-DD and HH:MM): %w", err)
			}

			job, err := snipe.NewJob(snipe.JobParams{
				VenueID:              venueID,
				PartySize:            partySize,
				IdealDate:            idealDate,
				DaysInAdvance:        daysInAdvance,
				IdealTime:            idealTime,
				WindowHours:          windowHours,
				PreferEarlier:        preferEarlier,
				PreferredSeatingType: seatingType,
				DropTime:             drop,
			}, time.Now())
			if err != nil {
				return err
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client := resy.New(resy.Credentials{APIKey: plat.APIKey, AuthToken: plat.AuthToken})
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("credential preflight: %w", err)
			}

			mgr := snipe.NewManager(job, snipe.ManagerConfig{
				JobID:           job.Key(),
				Client:          client,
				Tunables:        config.TunablesFromEnv(),
				Sink:            &sink.Log{Logger: log},
				Logger:          log,
				PaymentMethodID: plat.PaymentMethodID,
			})

			res := mgr.Run(ctx)
			switch res.Status {
			case snipe.StatusSucceeded:
				fmt.Fprintf(os.Stdout, "booked: confirmation=%s\n", res.Confirmation)
				return nil
			case snipe.StatusCancelled:
				return fmt.Errorf("cancelled")
			default:
				return fmt.Errorf("snipe failed (%s): %s", res.FailureKind, res.Reason)
			}
		},
	}

	c.Flags().StringVar(&venueID, "venue-id", "", "resy venue id")
	c.Flags().IntVar(&partySize, "party-size", 2, "party size")
	c.Flags().StringVar(&idealDate, "ideal-date", "", "reservation date YYYY-MM-DD (mutually exclusive with --days-in-advance)")
	c.Flags().IntVar(&daysInAdvance, "days-in-advance", 0, "book the date this many days from now")
	c.Flags().StringVar(&idealTime, "ideal-time", "19:00", "preferred time HH:MM")
	c.Flags().Float64Var(&windowHours, "window-hours", 1, "acceptable distance from ideal time, in hours")
	c.Flags().BoolVar(&preferEarlier, "prefer-earlier", false, "break distance ties toward the earlier slot")
	c.Flags().StringVar(&seatingType, "seating-type", "", "require this seating type (hard filter)")
	c.Flags().StringVar(&dropDate, "drop-date", "", "date availability goes live, YYYY-MM-DD")
	c.Flags().StringVar(&dropTime, "drop-time", "09:00", "local time availability goes live, HH:MM")
	c.Flags().StringVar(&timezone, "timezone", "America/New_York", "timezone for the drop instant")

	_ = c.MarkFlagRequired("venue-id")
	_ = c.MarkFlagRequired("drop-date")
	return c
}
