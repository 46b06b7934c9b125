package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tangthinker/easysave/internal/client"
)

var localFlag bool

var runCmd = &cobra.Command{
	Use:   "run <name>...",
	Short: "Start backup runs",
	Long: `Start one or more backup runs on the daemon.

With --local the runs execute in this process and the command returns when
they finish. Ctrl-C stops them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if localFlag {
			return runLocal(args)
		}
		c, err := connect()
		if err != nil {
			return err
		}
		for _, name := range args {
			if err := c.RunTask(name); err != nil {
				return err
			}
			fmt.Printf("Started %s\n", name)
		}
		return nil
	},
}

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Start every backup task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		return c.RunAll()
	},
}

func controlCommand(use, short string, op func(*client.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			return op(c, args[0])
		},
	}
}

// runLocal executes runs in-process without a daemon.
func runLocal(names []string) error {
	be, err := newBackend(settings, "")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, name := range names {
		if err := be.manager.RunBackup(ctx, name); err != nil {
			be.Close()
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		be.manager.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "stopping...")
	}
	be.Close()

	for _, name := range names {
		phase, err := be.manager.Phase(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", name, phase)
	}
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&localFlag, "local", false, "run in this process instead of on the daemon")

	rootCmd.AddCommand(
		runCmd,
		runAllCmd,
		controlCommand("pause", "Pause a running backup", (*client.Client).PauseTask),
		controlCommand("resume", "Resume a paused backup", (*client.Client).ResumeTask),
		controlCommand("stop", "Stop a backup", (*client.Client).StopTask),
	)
}
