package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/resy-sniper/internal/db"
	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/migrate"
	"github.com/example/resy-sniper/internal/snipe"
)

// openDB is the CLI path to the job table: DATABASE_URL only, no daemon keys.
func openDB(ctx context.Context) (*db.DB, error) {
	url := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	d, err := db.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage snipe jobs",
	}
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
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
		Use:   "create",
		Short: "Create a scheduled snipe job",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			ctx := context.Background()
			d, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			id, err := jobs.NewRepo(d).Create(ctx, jobs.Record{
				VenueID:       job.VenueID,
				PartySize:     job.PartySize,
				BookDate:      job.BookDate,
				IdealTime:     job.IdealTime.String(),
				WindowMinutes: int(job.Window / time.Minute),
				PreferEarlier: job.PreferEarlier,
				SeatingType:   job.SeatingType,
				DropTime:      job.DropTime,
				Timezone:      timezone,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created job id=%s venue=%s date=%s drop=%s\n",
				id, job.VenueID, job.Day(), job.DropTime.Format(time.RFC3339))
			return nil
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

func newJobListCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "list",
		Short: "List jobs, most recent drop first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			recs, err := jobs.NewRepo(d).List(ctx, limit)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(os.Stdout, "id=%s status=%s venue=%s date=%s ideal=%s drop=%s\n",
					r.ID, r.Status, r.VenueID, r.BookDate.Format("2006-01-02"), r.IdealTime,
					r.DropTime.Format(time.RFC3339))
			}
			return nil
		},
	}
	c.Flags().IntVar(&limit, "limit", 50, "max rows")
	return c
}

func newJobShowCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job, including its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			ctx := context.Background()
			d, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			r, err := jobs.NewRepo(d).Get(ctx, id)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "id=%s status=%s\n", r.ID, r.Status)
			fmt.Fprintf(os.Stdout, "venue=%s party=%d date=%s ideal=%s window=%dm earlier=%t seating=%q\n",
				r.VenueID, r.PartySize, r.BookDate.Format("2006-01-02"), r.IdealTime,
				r.WindowMinutes, r.PreferEarlier, r.SeatingType)
			fmt.Fprintf(os.Stdout, "drop=%s tz=%s\n", r.DropTime.Format(time.RFC3339), r.Timezone)
			if r.Confirmation != nil {
				fmt.Fprintf(os.Stdout, "confirmation=%s\n", *r.Confirmation)
			}
			if r.FailureKind != nil {
				reason := ""
				if r.FailureReason != nil {
					reason = *r.FailureReason
				}
				fmt.Fprintf(os.Stdout, "failure=%s reason=%q\n", *r.FailureKind, reason)
			}
			if len(r.LastSlots) > 0 {
				var ts []string
				for _, s := range r.LastSlots {
					ts = append(ts, s.Time.String())
				}
				fmt.Fprintf(os.Stdout, "slots_seen=%s\n", strings.Join(ts, ","))
			}
			return nil
		},
	}
	return c
}

func newJobCancelCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a scheduled or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			ctx := context.Background()
			d, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			status, err := jobs.NewRepo(d).RequestCancel(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "job %s is now %s\n", id, status)
			return nil
		},
	}
	return c
}
