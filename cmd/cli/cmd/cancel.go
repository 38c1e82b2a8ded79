package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job",
	Long:  `Request cancellation of a job. Cancelling an already finished job is a no-op and reports its final phase.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := requireToken()
		if err != nil {
			return err
		}

		client := NewJobClient(viper.GetString("api_url"), token)
		handle, err := client.CancelJob(args[0])
		if err != nil {
			return remoteErr(err)
		}

		cmd.Printf("Job %s is now %s\n", handle.JobID, handle.Phase)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
