package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hubbridge/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long:  `Retrieve the state of a submitted job, including its phase (Pending, Running, Succeeded, Failed, Cancelled, Unknown), exit code, assigned node, and timestamps.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := requireToken()
		if err != nil {
			return err
		}

		client := NewJobClient(viper.GetString("api_url"), token)
		handle, err := client.GetJob(args[0])
		if err != nil {
			return remoteErr(err)
		}

		printStatus(cmd, handle)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := requireToken()
		if err != nil {
			return err
		}

		client := NewJobClient(viper.GetString("api_url"), token)
		list, err := client.ListJobs()
		if err != nil {
			return remoteErr(err)
		}

		if len(list.Jobs) == 0 {
			cmd.Println("No jobs found")
			return nil
		}
		for _, job := range list.Jobs {
			cmd.Printf("%s  %-22s %s %s\n", job.JobID, job.K8sName, colorizePhase(job.Phase), relativeTime(job.SubmittedAt)+" ago")
		}
		return nil
	},
}

func printStatus(cmd *cobra.Command, handle *api.JobHandleResponse) {
	icon := phaseIcon(handle.Phase)
	cmd.Printf("%s %sJob Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, handle.JobID)
	cmd.Printf("%sK8s Job:%s     %s/%s\n", colorDim, colorReset, handle.Namespace, handle.K8sName)
	cmd.Printf("%sPhase:%s       %s\n", colorDim, colorReset, colorizePhase(handle.Phase))
	cmd.Printf("%sSubmitter:%s   %s\n", colorDim, colorReset, handle.Submitter)

	if handle.NodeName != "" {
		cmd.Printf("%sNode:%s        %s\n", colorDim, colorReset, handle.NodeName)
	}

	if handle.ExitCode != nil {
		exitCode := *handle.ExitCode
		if exitCode == 0 {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorGreen, exitCode, colorReset)
		} else {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorRed, exitCode, colorReset)
		}
	} else {
		cmd.Printf("%sExit Code:%s   -\n", colorDim, colorReset)
	}

	if handle.LastError != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, handle.LastError, colorReset)
	}

	cmd.Printf("%sSubmitted:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(&handle.SubmittedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(handle.StartedAt))

	if handle.StartedAt != nil && handle.EndedAt != nil {
		duration := handle.EndedAt.Sub(*handle.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(handle.EndedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(handle.EndedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func phaseIcon(phase string) string {
	switch phase {
	case api.PhaseSucceeded:
		return colorGreen + "✓" + colorReset
	case api.PhaseFailed:
		return colorRed + "✗" + colorReset
	case api.PhaseCancelled:
		return colorRed + "⊘" + colorReset
	case api.PhaseRunning:
		return colorYellow + "⏳" + colorReset
	case api.PhasePending:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizePhase(phase string) string {
	icon := phaseIcon(phase)
	switch phase {
	case api.PhaseSucceeded:
		return icon + " " + colorGreen + phase + colorReset
	case api.PhaseFailed, api.PhaseCancelled:
		return icon + " " + colorRed + phase + colorReset
	case api.PhaseRunning:
		return icon + " " + colorYellow + phase + colorReset
	case api.PhasePending:
		return icon + " " + colorCyan + phase + colorReset
	default:
		return icon + " " + phase
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
