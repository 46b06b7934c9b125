package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tangthinker/easysave/internal/config"
	"github.com/tangthinker/easysave/internal/state"
)

var (
	followFlag   bool
	intervalFlag time.Duration
	resetFlag    bool
	saveFlag     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backup progress from the state file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		log.SetOutput(io.Discard)
		store := state.NewStore(settings.StateFile, log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !followFlag {
			states, err := store.Snapshot(ctx)
			if err != nil {
				return err
			}
			return printStates(os.Stdout, states)
		}

		return state.NewWatcher(store, intervalFlag).Run(ctx, func(states []state.RunState) {
			fmt.Print("\033[H\033[2J")
			fmt.Println(time.Now().Format(time.TimeOnly))
			_ = printStates(os.Stdout, states)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show large-file admission and guard diagnostics from the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		if resetFlag {
			if err := c.ResetStats(); err != nil {
				return err
			}
		}
		st, err := c.Stats()
		if err != nil {
			return err
		}

		fmt.Printf("Large file threshold:      %s\n", humanize.IBytes(uint64(st.Threshold)))
		fmt.Printf("Large files queued:        %d\n", st.Admission.TotalLargeFilesQueued)
		fmt.Printf("Small files transferred:   %d\n", st.Admission.TotalSmallFilesTransferred)
		fmt.Printf("Large files waiting:       %d\n", st.Admission.QueuedLargeFiles)
		if cur := st.Admission.Current; cur != nil {
			fmt.Printf("Current large transfer:    %s (%s, %s, for %s)\n",
				cur.FilePath, humanize.IBytes(uint64(cur.SizeBytes)), cur.Owner,
				cur.Duration().Round(time.Second))
		}
		if st.GuardProcess != "" {
			fmt.Printf("Guard process:             %s\n", st.GuardProcess)
			for _, m := range st.GuardMatches {
				fmt.Printf("  running: %s\n", m)
			}
		}
		return nil
	},
}

var thresholdCmd = &cobra.Command{
	Use:   "threshold <size>",
	Short: "Change the large-file threshold of the running daemon",
	Long: `Change the size from which files need the exclusive large-file slot,
e.g. "50 MB" or "512KiB". With --save the value is also written to the
settings file so it survives a daemon restart.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseThreshold(args[0])
		if err != nil {
			return err
		}
		c, err := connect()
		if err != nil {
			return err
		}
		if err := c.SetThreshold(n); err != nil {
			return err
		}
		fmt.Printf("Large file threshold set to %s\n", humanize.IBytes(uint64(n)))

		if saveFlag {
			path := settingsPath()
			if err := saveThreshold(settings, path, args[0]); err != nil {
				return err
			}
			fmt.Printf("Saved to %s\n", path)
		}
		return nil
	},
}

func parseThreshold(size string) (int64, error) {
	n, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", size, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("threshold must be greater than 0")
	}
	return int64(n), nil
}

func saveThreshold(s *config.Settings, path, size string) error {
	s.LargeFileThreshold = size
	if err := s.Validate(); err != nil {
		return err
	}
	if err := s.Save(path); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func printStates(out io.Writer, states []state.RunState) error {
	if len(states) == 0 {
		fmt.Fprintln(out, "No backup has run yet")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPHASE\tPROGRESS\tFILES LEFT\tSIZE\tCURRENT")
	for _, st := range states {
		current := st.CurrentSourceFile
		if current == "" {
			current = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%d/%d\t%s\t%s\n",
			st.Name, st.Phase, st.ProgressPercent,
			st.FilesRemaining, st.TotalFilesToCopy,
			humanize.IBytes(uint64(st.TotalBytes)),
			truncate(current, 50))
	}
	return w.Flush()
}

func init() {
	statusCmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "keep watching the state file")
	statusCmd.Flags().DurationVar(&intervalFlag, "interval", 200*time.Millisecond, "minimum time between refreshes with --follow")

	statsCmd.Flags().BoolVar(&resetFlag, "reset", false, "zero the admission counters first")
	thresholdCmd.Flags().BoolVar(&saveFlag, "save", false, "also write the threshold to the settings file")

	rootCmd.AddCommand(statusCmd, statsCmd, thresholdCmd)
}
