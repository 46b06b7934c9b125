package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tangthinker/easysave/internal/config"
)

var (
	strategyFlag string
	encryptFlag  bool
	scheduleFlag string
	sourceFlag   string
	targetFlag   string
)

var addCmd = &cobra.Command{
	Use:   "add <name> <source_dir> <target_dir>",
	Short: "Add a backup task",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		def := config.BackupTask{
			Name:              args[0],
			SourceDirectory:   args[1],
			TargetDirectory:   args[2],
			Strategy:          config.ParseStrategy(strategyFlag),
			EncryptionEnabled: encryptFlag,
			Schedule:          scheduleFlag,
		}
		if err := c.AddTask(def); err != nil {
			return err
		}
		fmt.Printf("Task %s added\n", def.Name)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		tasks, err := c.ListTasks()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No backup tasks found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTRATEGY\tENCRYPT\tSCHEDULE\tSOURCE\tTARGET")
		for _, t := range tasks {
			schedule := t.Schedule
			if schedule == "" {
				schedule = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
				t.Name, t.Strategy, t.EncryptionEnabled, schedule,
				truncate(t.SourceDirectory, 40), truncate(t.TargetDirectory, 40))
		}
		return w.Flush()
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <name>",
	Short: "Change a task's directories, strategy, encryption or schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		tasks, err := c.ListTasks()
		if err != nil {
			return err
		}

		var def *config.BackupTask
		for i := range tasks {
			if tasks[i].Key() == config.NameKey(args[0]) {
				def = &tasks[i]
				break
			}
		}
		if def == nil {
			return fmt.Errorf("task %s not found", args[0])
		}

		flags := cmd.Flags()
		if flags.Changed("source") {
			def.SourceDirectory = sourceFlag
		}
		if flags.Changed("target") {
			def.TargetDirectory = targetFlag
		}
		if flags.Changed("strategy") {
			def.Strategy = config.ParseStrategy(strategyFlag)
		}
		if flags.Changed("encrypt") {
			def.EncryptionEnabled = encryptFlag
		}
		if flags.Changed("schedule") {
			def.Schedule = scheduleFlag
		}

		if err := c.EditTask(def.Name, *def); err != nil {
			return err
		}
		fmt.Printf("Task %s updated\n", def.Name)
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <name> <new_name>",
	Short: "Rename a backup task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		return c.RenameTask(args[0], args[1])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a backup task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		return c.DeleteTask(args[0])
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every task that is not running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		n, err := c.ClearTasks()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d task(s)\n", n)
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	addCmd.Flags().StringVarP(&strategyFlag, "strategy", "s", "full", "copy strategy: full or differential")
	addCmd.Flags().BoolVarP(&encryptFlag, "encrypt", "e", false, "run the encryption helper on copied files")
	addCmd.Flags().StringVar(&scheduleFlag, "schedule", "", "cron expression for scheduled runs (seconds field optional)")

	editCmd.Flags().StringVar(&sourceFlag, "source", "", "new source directory")
	editCmd.Flags().StringVar(&targetFlag, "target", "", "new target directory")
	editCmd.Flags().StringVarP(&strategyFlag, "strategy", "s", "full", "copy strategy: full or differential")
	editCmd.Flags().BoolVarP(&encryptFlag, "encrypt", "e", false, "run the encryption helper on copied files")
	editCmd.Flags().StringVar(&scheduleFlag, "schedule", "", "cron expression, empty to unschedule")

	rootCmd.AddCommand(addCmd, listCmd, editCmd, renameCmd, deleteCmd, clearCmd)
}
