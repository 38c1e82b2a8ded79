package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	follow bool
	tail   int64
)

var logsCmd = &cobra.Command{
	Use:   "logs [job_id]",
	Short: "Stream logs for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := requireToken()
		if err != nil {
			return err
		}

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			os.Exit(exitOK)
		}()

		client := NewJobClient(viper.GetString("api_url"), token)
		truncated, err := client.StreamLogs(args[0], follow, tail, cmd.OutOrStdout())
		if err != nil {
			return remoteErr(err)
		}
		if truncated {
			fmt.Fprintln(cmd.ErrOrStderr(), "--- log stream truncated: pod is gone ---")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().Int64Var(&tail, "tail", 0, "Only return the last N lines")
}
