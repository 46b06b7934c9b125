package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tangthinker/easysave/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the backup daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(settings.PIDFile)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// checkRunningDaemon reports whether the PID file names a live process,
// removing stale files.
func checkRunningDaemon(pidFile string) bool {
	output, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil || pid <= 0 {
		os.Remove(pidFile)
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidFile)
		return false
	}

	// signal 0 only checks that the process exists
	if err := process.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidFile)
		return false
	}
	return true
}

func createPIDFile(pidFile string) error {
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func runDaemon(pidFile string) error {
	if checkRunningDaemon(pidFile) {
		return fmt.Errorf("easysave daemon is already running (pid file %s)", pidFile)
	}
	if err := createPIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer os.Remove(pidFile)

	rt, err := newBackend(settings, settings.Log.File)
	if err != nil {
		return err
	}
	defer rt.Close()

	server, err := daemon.NewServer(daemon.Options{
		Socket:    settings.Socket,
		Manager:   rt.manager,
		Store:     rt.store,
		Admission: rt.admission,
		Guard:     rt.guard,
		Log:       rt.log,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	rt.log.WithField("socket", settings.Socket).Info("easysave daemon started")

	select {
	case sig := <-sigChan:
		rt.log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errChan:
		if err != nil {
			rt.log.WithError(err).Error("server error")
			return err
		}
	}
	return nil
}
