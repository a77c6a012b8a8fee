package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"syncedcron/internal/app"
	"syncedcron/internal/config"
	"syncedcron/internal/recurrence"
	"syncedcron/internal/storage"
	logx "syncedcron/pkg/logx"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			if hints := errors.FlattenHints(err); hints != "" {
				return errors.Wrapf(err, "hint: %s", hints)
			}
			return err
		}
		if config.ShortTTL(cfg.Storage) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: retention %s is shorter than the recommended %s\n",
				cfg.Storage.TTL(), config.MinRecommendedTTL)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d job(s), driver %s\n", len(cfg.Jobs), cfg.Storage.Driver)
		return nil
	},
}

var nextCount int

var nextCmd = &cobra.Command{
	Use:   "next [job...]",
	Short: "Show the upcoming occurrences of configured jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		want := map[string]bool{}
		for _, a := range args {
			want[a] = true
		}
		loc := time.Local
		if cfg.Scheduler.UTC {
			loc = time.UTC
		}
		now := time.Now().In(loc)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tOCCURRENCE\tIN")
		for _, jc := range cfg.Jobs {
			if len(want) > 0 && !want[jc.Name] {
				continue
			}
			s, err := recurrence.Parse(jc.Schedule)
			if err != nil {
				return err
			}
			next := recurrence.NextN(s, now, nextCount)
			if len(next) == 0 {
				fmt.Fprintf(w, "%s\t-\tnever\n", jc.Name)
				continue
			}
			for _, at := range next {
				fmt.Fprintf(w, "%s\t%s\t%s\n", jc.Name, at.Format(time.RFC3339), humanize.RelTime(now, at, "ago", "from now"))
			}
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect execution records in the store",
}

var historyCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count live execution records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st storage.Store) error {
			n, err := st.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s record(s)\n", humanize.Comma(int64(n)))
			return nil
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <job> <intended-at RFC3339>",
	Short: "Print the record of one occurrence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			return errors.Wrap(err, "intended-at")
		}
		return withStore(cmd.Context(), func(ctx context.Context, st storage.Store) error {
			rec, err := st.Load(ctx, storage.NewKey(args[0], at))
			if errors.Is(err, storage.ErrNotFound) {
				return errors.Newf("no record for %s", storage.NewKey(args[0], at))
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		})
	},
}

var resetConfirmed bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every execution record in the configured collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirmed {
			return errors.New("refusing to reset without --yes")
		}
		return withStore(cmd.Context(), func(ctx context.Context, st storage.Store) error {
			if err := st.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
			return nil
		})
	},
}

func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 1, "occurrences to show per job")
	resetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm deletion")

	historyCmd.AddCommand(historyCountCmd)
	historyCmd.AddCommand(historyShowCmd)
}

func loadConfig() (*config.Config, error) {
	return config.NewConfigManager(cfgPath).Load()
}

func withStore(parent context.Context, fn func(ctx context.Context, st storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("WARN"))
	if err != nil {
		return err
	}
	defer st.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	return fn(ctx, st)
}
