package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tangthinker/easysave/internal/client"
	"github.com/tangthinker/easysave/internal/config"
)

var (
	settingsFile string
	socketFlag   string
	settings     *config.Settings
)

var rootCmd = &cobra.Command{
	Use:           "easysave",
	Short:         "Back up directories with full or differential copies",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.LoadSettings(settingsFile)
		if err != nil {
			return err
		}
		if socketFlag != "" {
			s.Socket = socketFlag
		}
		settings = s
		return nil
	},
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "config", "", "settings file (default "+config.DefaultSettingsFile()+")")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "daemon socket path")
}

// settingsPath is the file LoadSettings read, or would have read.
func settingsPath() string {
	if settingsFile != "" {
		return settingsFile
	}
	return config.DefaultSettingsFile()
}

func connect() (*client.Client, error) {
	c, err := client.NewClient(settings.Socket)
	if err != nil {
		return nil, fmt.Errorf("%w (is `easysave daemon` running?)", err)
	}
	return c, nil
}
