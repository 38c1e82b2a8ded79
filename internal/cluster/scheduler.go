// Package cluster maintains a refreshable view of GPU-bearing nodes and
// picks placement targets for GPU jobs.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"hubbridge/internal/fault"
)

const (
	// GPUResourceName is the vendor extended resource on nodes and pods.
	GPUResourceName = "nvidia.com/gpu"
	// GPUTypeLabel identifies the GPU model on a node.
	GPUTypeLabel = "nvidia.com/gpu.product"
)

// NodeRecord is a read-only snapshot of one GPU node.
type NodeRecord struct {
	Name         string
	GPUType      string
	GPUCount     int
	GPUAvailable int
	Schedulable  bool
	Labels       map[string]string
}

// Scheduler reads node inventory from the Kubernetes API. The view is
// advisory: real reservation happens when the pod binds, so GPUAvailable is
// decremented optimistically on submit and reconciled on the next refresh.
type Scheduler struct {
	client kubernetes.Interface
	logger *slog.Logger

	mu       sync.Mutex
	nodes    map[string]NodeRecord
	reserved map[string]int
}

// NewScheduler creates a scheduler over the given clientset.
func NewScheduler(client kubernetes.Interface, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		client:   client,
		logger:   logger,
		nodes:    make(map[string]NodeRecord),
		reserved: make(map[string]int),
	}
}

// Run refreshes the inventory on the given interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("node inventory refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh rebuilds the node view from the API server, dropping optimistic
// reservations in favor of observed pod usage.
func (s *Scheduler) Refresh(ctx context.Context) error {
	nodeList, err := s.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fault.Wrap(fault.BackendUnavailable, "list nodes", err)
	}

	used, err := s.gpuUsageByNode(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]NodeRecord)
	for _, node := range nodeList.Items {
		capacity := gpuCapacity(&node)
		if capacity == 0 {
			continue
		}

		available := capacity - used[node.Name]
		if available < 0 {
			available = 0
		}

		fresh[node.Name] = NodeRecord{
			Name:         node.Name,
			GPUType:      node.Labels[GPUTypeLabel],
			GPUCount:     capacity,
			GPUAvailable: available,
			Schedulable:  nodeSchedulable(&node),
			Labels:       node.Labels,
		}
	}

	s.mu.Lock()
	s.nodes = fresh
	s.reserved = make(map[string]int)
	s.mu.Unlock()
	return nil
}

// gpuUsageByNode sums GPU requests of non-terminal pods per node.
func (s *Scheduler) gpuUsageByNode(ctx context.Context) (map[string]int, error) {
	pods, err := s.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, "list pods", err)
	}

	used := make(map[string]int)
	for _, pod := range pods.Items {
		if pod.Spec.NodeName == "" {
			continue
		}
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		for _, c := range pod.Spec.Containers {
			if q, ok := c.Resources.Requests[corev1.ResourceName(GPUResourceName)]; ok {
				used[pod.Spec.NodeName] += int(q.Value())
			}
		}
	}
	return used, nil
}

// Snapshot returns the current inventory, reservations applied, sorted by
// node name for stable output.
func (s *Scheduler) Snapshot() []NodeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NodeRecord, 0, len(s.nodes))
	for name, rec := range s.nodes {
		rec.GPUAvailable -= s.reserved[name]
		if rec.GPUAvailable < 0 {
			rec.GPUAvailable = 0
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Pick selects a node for a GPU request and reserves the GPUs optimistically.
// Policy: candidates are schedulable nodes with enough free GPUs of the
// requested type; ties break toward the most free GPUs, then the
// lexicographically smallest name.
func (s *Scheduler) Pick(gpuCount int, gpuType string) (*NodeRecord, error) {
	if gpuCount <= 0 {
		return nil, fault.New(fault.InvalidRequest, "gpu count must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *NodeRecord
	bestAvail := -1
	for name, rec := range s.nodes {
		avail := rec.GPUAvailable - s.reserved[name]
		if !rec.Schedulable || avail < gpuCount {
			continue
		}
		if gpuType != "" && rec.GPUType != gpuType {
			continue
		}
		if avail > bestAvail || (avail == bestAvail && name < best.Name) {
			copied := rec
			copied.GPUAvailable = avail
			best = &copied
			bestAvail = avail
		}
	}

	if best == nil {
		return nil, fault.Newf(fault.NoCapacity, "no schedulable node with %d free %s GPUs", gpuCount, gpuLabel(gpuType))
	}

	s.reserved[best.Name] += gpuCount
	return best, nil
}

// Release returns an optimistic reservation after a failed submit.
func (s *Scheduler) Release(nodeName string, gpuCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reserved[nodeName] -= gpuCount
	if s.reserved[nodeName] <= 0 {
		delete(s.reserved, nodeName)
	}
}

func gpuCapacity(node *corev1.Node) int {
	if q, ok := node.Status.Allocatable[corev1.ResourceName(GPUResourceName)]; ok {
		return int(q.Value())
	}
	return 0
}

// nodeSchedulable requires the node to be uncordoned and Ready.
func nodeSchedulable(node *corev1.Node) bool {
	if node.Spec.Unschedulable {
		return false
	}
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func gpuLabel(gpuType string) string {
	if gpuType == "" {
		return "any-type"
	}
	return fmt.Sprintf("%q", gpuType)
}
