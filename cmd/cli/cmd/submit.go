package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hubbridge/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a Python script as a cluster job",
	Long: `Submit a local Python script for execution on the cluster.

The script body is shipped in the request; no image build is involved.
GPU jobs are pinned to a node with enough free GPUs at submission time.

Example:
  hubctl submit --file train.py --gpu 1 --gpu-type A100 --mem 8192
  hubctl submit --file etl.py --requirements pandas --requirements pyarrow`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		name, _ := flags.GetString("name")
		gpu, _ := flags.GetInt("gpu")
		gpuType, _ := flags.GetString("gpu-type")
		memMB, _ := flags.GetInt("mem")
		cpuCores, _ := flags.GetInt("cpus")
		requirements, _ := flags.GetStringSlice("requirements")
		envPairs, _ := flags.GetStringSlice("env")
		outputPath, _ := flags.GetString("output")

		if file == "" {
			return usagef("--file is required")
		}

		token, err := requireToken()
		if err != nil {
			return err
		}

		script, err := os.ReadFile(file)
		if err != nil {
			return errWithCode(exitGeneric, fmt.Errorf("failed to read script: %w", err))
		}

		if name == "" {
			name = jobNameFromFile(file)
		}

		env := map[string]string{}
		for _, pair := range envPairs {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				return usagef("--env must be KEY=VALUE, got %q", pair)
			}
			env[key] = value
		}

		req := api.ScriptJobRequest{
			Name:         name,
			ScriptBody:   string(script),
			Requirements: requirements,
			GPURequired:  gpu > 0,
			GPUCount:     gpu,
			GPUType:      gpuType,
			MemMB:        memMB,
			CPUCores:     cpuCores,
			Env:          env,
			OutputPath:   outputPath,
		}

		client := NewJobClient(viper.GetString("api_url"), token)
		handle, err := client.SubmitJob(req)
		if err != nil {
			return remoteErr(err)
		}

		cmd.Printf("✓ Job submitted!\nJob ID: %s\nK8s Job: %s/%s\nPhase: %s\n",
			handle.JobID, handle.Namespace, handle.K8sName, handle.Phase)
		if handle.NodeName != "" {
			cmd.Printf("Node: %s\n", handle.NodeName)
		}
		return nil
	},
}

var nameCleaner = regexp.MustCompile(`[^a-z0-9-]+`)

// jobNameFromFile derives a DNS-1123 job name from the script filename.
func jobNameFromFile(file string) string {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	name := nameCleaner.ReplaceAllString(strings.ToLower(base), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "script"
	}
	if len(name) > 52 {
		name = name[:52]
	}
	return name
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("file", "f", "", "Path to the Python script (required)")
	flags.StringP("name", "n", "", "Job name (default: derived from the filename)")
	flags.Int("gpu", 0, "Number of GPUs to request")
	flags.String("gpu-type", "", "Required GPU model, e.g. A100 (optional)")
	flags.Int("mem", 1024, "Memory request in MB")
	flags.Int("cpus", 1, "CPU cores to request")
	flags.StringSlice("requirements", nil, "pip packages to install before the script runs")
	flags.StringSlice("env", nil, "Environment variables as KEY=VALUE (repeatable)")
	flags.String("output", "", "Path inside the container to persist as job output")

	rootCmd.AddCommand(submitCmd)
}
