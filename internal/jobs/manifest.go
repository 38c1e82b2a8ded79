// Package jobs turns user-submitted Python scripts into Kubernetes Jobs and
// tracks them to a terminal state.
package jobs

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"hubbridge/internal/cluster"
	"hubbridge/internal/config"
	"hubbridge/internal/fault"
	"hubbridge/pkg/api"
)

// Labels stamped on every managed Job and its pods for discovery.
const (
	LabelApp       = "app"
	LabelAppValue  = "kjo"
	LabelJobID     = "jobID"
	LabelSubmitter = "submitter"
)

// scriptEnvVar carries the script body into the container, where the shell
// prelude pipes it into the interpreter via stdin.
const scriptEnvVar = "HUBBRIDGE_SCRIPT"

const containerName = "script"

var dns1123 = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateRequest checks a ScriptJobRequest against the acceptance rules.
// Errors carry an InvalidRequest kind with a field locator in the message.
func ValidateRequest(req *api.ScriptJobRequest, maxScriptBytes int) error {
	if !dns1123.MatchString(req.Name) || len(req.Name) > 52 {
		return fault.New(fault.InvalidRequest, "name: must be DNS-1123 compliant and at most 52 characters")
	}
	if req.ScriptBody == "" {
		return fault.New(fault.InvalidRequest, "scriptBody: must not be empty")
	}
	if len(req.ScriptBody) > maxScriptBytes {
		return fault.Newf(fault.InvalidRequest, "scriptBody: exceeds maximum of %d bytes", maxScriptBytes)
	}
	if req.GPUCount < 0 {
		return fault.New(fault.InvalidRequest, "gpuCount: must not be negative")
	}
	if req.GPURequired && req.GPUCount == 0 {
		return fault.New(fault.InvalidRequest, "gpuCount: must be positive when gpuRequired is set")
	}
	if req.MemMB <= 0 {
		return fault.New(fault.InvalidRequest, "memMB: must be positive")
	}
	if req.CPUCores <= 0 {
		return fault.New(fault.InvalidRequest, "cpuCores: must be positive")
	}
	return nil
}

// K8sName derives the generated Job name from the request name and the
// injected job ID. The suffix keeps resubmissions of the same name distinct.
func K8sName(requestName string, jobID uuid.UUID) string {
	suffix := strings.ReplaceAll(jobID.String(), "-", "")[:6]
	return fmt.Sprintf("%s-%s", requestName, suffix)
}

// BuildManifest produces the Job manifest for a validated request. node is
// nil for CPU-only jobs. The function is pure: identical inputs, including
// the injected jobID, produce identical manifests.
func BuildManifest(req *api.ScriptJobRequest, node *cluster.NodeRecord, jobID uuid.UUID, submitter string, cfg config.JobsConfig) *batchv1.Job {
	labels := map[string]string{
		LabelApp:       LabelAppValue,
		LabelJobID:     jobID.String(),
		LabelSubmitter: submitter,
	}

	image := cfg.CPUImage
	if req.GPURequired {
		image = cfg.GPUImage
	}

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(strconv.Itoa(req.CPUCores)),
			corev1.ResourceMemory: resource.MustParse(fmt.Sprintf("%dMi", req.MemMB)),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(strconv.Itoa(req.CPUCores)),
			corev1.ResourceMemory: resource.MustParse(fmt.Sprintf("%dMi", req.MemMB)),
		},
	}
	if req.GPURequired {
		gpu := resource.MustParse(strconv.Itoa(req.GPUCount))
		resources.Requests[corev1.ResourceName(cluster.GPUResourceName)] = gpu
		resources.Limits[corev1.ResourceName(cluster.GPUResourceName)] = gpu
	}

	container := corev1.Container{
		Name:      containerName,
		Image:     image,
		Command:   []string{"/bin/sh", "-c", shellPrelude(req.Requirements)},
		Env:       buildEnv(req),
		Resources: resources,
	}
	if req.WorkingDir != "" {
		container.WorkingDir = req.WorkingDir
	}

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}

	if req.GPURequired && node != nil {
		podSpec.NodeSelector = map[string]string{
			"kubernetes.io/hostname": node.Name,
		}
	}

	if cfg.OutputMount != "" && req.OutputPath != "" {
		podSpec.Volumes = []corev1.Volume{{
			Name: "output",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: cfg.OutputMount},
			},
		}}
		podSpec.Containers[0].VolumeMounts = []corev1.VolumeMount{{
			Name:      "output",
			MountPath: req.OutputPath,
		}}
	}

	// One attempt per submission: user scripts may not be idempotent.
	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      K8sName(req.Name, jobID),
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// shellPrelude installs requirements, then pipes the script env var into the
// interpreter. A failed install surfaces as a job failure.
func shellPrelude(requirements []string) string {
	var sb strings.Builder
	sb.WriteString("set -e\n")
	if len(requirements) > 0 {
		sb.WriteString("pip install --no-cache-dir")
		for _, r := range requirements {
			sb.WriteString(" ")
			sb.WriteString(shellQuote(r))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(`printf '%s' "$` + scriptEnvVar + `" | python3 -`)
	return sb.String()
}

// buildEnv emits user env vars in sorted order so the manifest is
// deterministic, with the script body appended last.
func buildEnv(req *api.ScriptJobRequest) []corev1.EnvVar {
	names := make([]string, 0, len(req.Env))
	for name := range req.Env {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]corev1.EnvVar, 0, len(names)+1)
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: req.Env[name]})
	}
	return append(env, corev1.EnvVar{Name: scriptEnvVar, Value: req.ScriptBody})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
