package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Process exit codes.
const (
	exitOK          = 0
	exitGeneric     = 1
	exitUsage       = 2
	exitConfig      = 3
	exitUnavailable = 4
	exitAuth        = 5
)

// exitError pins a process exit code to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func errWithCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func usagef(format string, args ...any) error {
	return errWithCode(exitUsage, fmt.Errorf(format, args...))
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "Hubctl is a command line tool for the hubbridge GPU job platform",
	Long: `hubctl is the command-line interface for hubbridge, the SSO bridge and
GPU job orchestrator in front of the cluster.

Common workflows:

  Submit a Python script as a GPU job:
    hubctl submit --file train.py --gpu 1 --gpu-type A100

  Check job status:
    hubctl status <job-id>

  Stream logs:
    hubctl logs <job-id> --follow

  Cancel a job:
    hubctl cancel <job-id>

  Inspect the token the portal handed you:
    hubctl verify-token <token>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    HUBBRIDGE_API_URL    API endpoint (default: http://localhost:6180)
    HUBBRIDGE_TOKEN      Portal JWT for authentication`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		// Flag parse and argument-count failures from cobra land here.
		return exitUsage
	}
	return exitOK
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(exitConfig)
		}

		// Search config in home directory with name ".hubctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".hubctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "HUBBRIDGE_VARNAME"
	viper.SetEnvPrefix("HUBBRIDGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// requireToken resolves the portal JWT from flag, env, or config file.
func requireToken() (string, error) {
	token := viper.GetString("token")
	if token == "" {
		return "", errWithCode(exitConfig,
			errors.New("token not found; set it using the --token flag or the HUBBRIDGE_TOKEN environment variable"))
	}
	return token, nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hubctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6180", "Hubbridge API URL")
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Portal JWT for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
