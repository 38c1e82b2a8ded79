package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verifyTokenCmd = &cobra.Command{
	Use:   "verify-token [token]",
	Short: "Check whether a portal token is accepted by the bridge",
	Long: `Present a portal JWT to the bridge's verify endpoint and print the
claims it resolves to. With no argument the configured token is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			t, err := requireToken()
			if err != nil {
				return err
			}
			token = t
		}

		client := NewJobClient(viper.GetString("api_url"), "")
		claims, err := client.VerifyToken(token)
		if err != nil {
			return remoteErr(err)
		}

		cmd.Printf("✓ Token accepted\nSubject:  %s\nRoles:    %s\nNotAfter: %s\n",
			claims.Subject, strings.Join(claims.Roles, ", "), claims.NotAfter.Format("Mon, 02 Jan 2006 15:04:05 MST"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyTokenCmd)
}
