package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"hubbridge/internal/cluster"
	"hubbridge/internal/config"
	"hubbridge/internal/fault"
	"hubbridge/pkg/api"
)

// ErrQueueFull is returned by Submit when the configured depth of tracked
// non-terminal jobs is reached. Handlers map it to 429 with Retry-After.
var ErrQueueFull = errors.New("job queue depth reached")

// scheduler is the node selection surface the controller depends on.
type scheduler interface {
	Pick(gpuCount int, gpuType string) (*cluster.NodeRecord, error)
	Release(nodeName string, gpuCount int)
}

// Controller owns every JobHandle and is the only writer of their phases.
type Controller struct {
	client kubernetes.Interface
	sched  scheduler
	cfg    config.JobsConfig
	logger *slog.Logger

	mu      sync.RWMutex
	handles map[uuid.UUID]*handle

	now     func() time.Time
	newUUID func() uuid.UUID
}

// NewController creates the controller. Run must be started for phases to
// progress past Pending.
func NewController(client kubernetes.Interface, sched scheduler, cfg config.JobsConfig, logger *slog.Logger) *Controller {
	return &Controller{
		client:  client,
		sched:   sched,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[uuid.UUID]*handle),
		now:     time.Now,
		newUUID: uuid.New,
	}
}

// Submit validates the request, schedules GPUs if required, creates the Job,
// and registers a handle with phase Pending.
func (c *Controller) Submit(ctx context.Context, req *api.ScriptJobRequest, submitter string) (api.JobHandleResponse, error) {
	if err := ValidateRequest(req, c.cfg.MaxScriptBytes); err != nil {
		return api.JobHandleResponse{}, err
	}

	if c.activeCount() >= c.cfg.QueueDepth {
		return api.JobHandleResponse{}, ErrQueueFull
	}

	var node *cluster.NodeRecord
	if req.GPURequired {
		picked, err := c.sched.Pick(req.GPUCount, req.GPUType)
		if err != nil {
			return api.JobHandleResponse{}, err
		}
		node = picked
	}

	jobID := c.newUUID()
	manifest := BuildManifest(req, node, jobID, submitter, c.cfg)

	h := &handle{
		jobID:       jobID,
		k8sName:     manifest.Name,
		namespace:   c.cfg.Namespace,
		request:     *req,
		submitter:   submitter,
		submittedAt: c.now(),
		phase:       api.PhasePending,
		realPhase:   api.PhasePending,
		lastEvent:   c.now(),
	}
	if node != nil {
		h.reservedNode = node.Name
		h.reservedGPUs = req.GPUCount
	}

	// Register before creating so watch events arriving immediately after
	// creation find their handle.
	c.mu.Lock()
	c.handles[jobID] = h
	c.mu.Unlock()

	if err := c.createWithRetry(ctx, manifest); err != nil {
		c.releaseReservation(h)
		if fault.KindOf(err) == fault.InvalidRequest {
			// Manifest rejected by the API server: nothing was created
			// and no handle is registered.
			c.mu.Lock()
			delete(c.handles, jobID)
			c.mu.Unlock()
			return api.JobHandleResponse{}, err
		}
		// Budget exhausted: clean up anything half-created and report the
		// terminal failure through the handle.
		c.cleanupByLabel(jobID)
		h.mu.Lock()
		h.lastError = ErrSubmitTimeout
		h.transitionLocked(api.PhaseFailed, c.now())
		h.mu.Unlock()
		return h.snapshot(), nil
	}

	return h.snapshot(), nil
}

// createWithRetry retries transient API errors until the submit budget runs
// out. Validation rejections are returned immediately.
func (c *Controller) createWithRetry(ctx context.Context, manifest *batchv1.Job) error {
	budget := c.cfg.SubmitTimeout
	if budget <= 0 {
		budget = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	backoff := 500 * time.Millisecond
	for {
		_, err := c.client.BatchV1().Jobs(c.cfg.Namespace).Create(ctx, manifest, metav1.CreateOptions{})
		if err == nil {
			return nil
		}
		if apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) || apierrors.IsForbidden(err) {
			return fault.Wrap(fault.InvalidRequest, "manifest rejected", err)
		}
		if apierrors.IsAlreadyExists(err) {
			// The earlier attempt went through after all.
			return nil
		}

		c.logger.Warn("job create failed, retrying", "job", manifest.Name, "error", err)
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.BackendUnavailable, "submit budget exhausted", err)
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// cleanupByLabel best-effort deletes anything created under the job's label.
func (c *Controller) cleanupByLabel(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	propagation := metav1.DeletePropagationBackground
	err := c.client.BatchV1().Jobs(c.cfg.Namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{PropagationPolicy: &propagation},
		metav1.ListOptions{LabelSelector: LabelJobID + "=" + jobID.String()},
	)
	if err != nil && !apierrors.IsNotFound(err) {
		c.logger.Warn("cleanup after failed submit", "jobID", jobID, "error", err)
	}
}

func (c *Controller) releaseReservation(h *handle) {
	h.mu.Lock()
	node, count := h.reservedNode, h.reservedGPUs
	h.reservedNode, h.reservedGPUs = "", 0
	h.mu.Unlock()

	if node != "" && count > 0 {
		c.sched.Release(node, count)
	}
}

// Get returns the handle snapshot for jobID.
func (c *Controller) Get(jobID uuid.UUID) (api.JobHandleResponse, error) {
	h, ok := c.lookup(jobID)
	if !ok {
		return api.JobHandleResponse{}, fault.Newf(fault.NotFound, "job %s not found", jobID)
	}
	return h.snapshot(), nil
}

// List returns the submitter's handles, newest first.
func (c *Controller) List(submitter string) []api.JobHandleResponse {
	c.mu.RLock()
	out := make([]api.JobHandleResponse, 0)
	for _, h := range c.handles {
		if h.submitter == submitter {
			out = append(out, h.snapshot())
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// cancelConfirmTimeout bounds how long Cancel waits for the foreground
// delete before writing the terminal phase anyway.
const cancelConfirmTimeout = 10 * time.Second

// Cancel requests termination. Idempotent: cancelling a terminal job is a
// no-op that reports the current phase. The terminal write happens after the
// delete is confirmed, or after the confirmation budget runs out.
func (c *Controller) Cancel(ctx context.Context, jobID uuid.UUID) (api.JobHandleResponse, error) {
	h, ok := c.lookup(jobID)
	if !ok {
		return api.JobHandleResponse{}, fault.Newf(fault.NotFound, "job %s not found", jobID)
	}

	if h.terminal() {
		return h.snapshot(), nil
	}

	propagation := metav1.DeletePropagationForeground
	err := c.client.BatchV1().Jobs(h.namespace).Delete(ctx, h.k8sName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return api.JobHandleResponse{}, fault.Wrap(fault.BackendUnavailable, "delete job", err)
	}

	c.awaitDeletion(ctx, h)

	h.mu.Lock()
	h.lastError = ErrCancelled
	h.transitionLocked(api.PhaseCancelled, c.now())
	h.mu.Unlock()
	c.releaseReservation(h)

	return h.snapshot(), nil
}

// awaitDeletion polls until the API server stops returning the job. The
// foreground propagation policy removes pods first, so a NotFound means the
// whole tree is gone.
func (c *Controller) awaitDeletion(ctx context.Context, h *handle) {
	ctx, cancel := context.WithTimeout(ctx, cancelConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		_, err := c.client.BatchV1().Jobs(h.namespace).Get(ctx, h.k8sName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ping checks API server reachability for the readiness probe.
func (c *Controller) Ping(ctx context.Context) error {
	_, err := c.client.BatchV1().Jobs(c.cfg.Namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err
}

// ActiveCount reports non-terminal handles; exported for the queue-depth
// gauge.
func (c *Controller) ActiveCount() int {
	return c.activeCount()
}

func (c *Controller) activeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, h := range c.handles {
		if !h.terminal() {
			n++
		}
	}
	return n
}

func (c *Controller) lookup(jobID uuid.UUID) (*handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[jobID]
	return h, ok
}

func (c *Controller) nonTerminalHandles() []*handle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*handle, 0)
	for _, h := range c.handles {
		if !h.terminal() {
			out = append(out, h)
		}
	}
	return out
}

// Run drives the watch loop, the staleness heartbeat, and retention until
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.watchLoop(ctx) }()
	go func() { defer wg.Done(); c.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); c.retentionLoop(ctx) }()
	wg.Wait()
}

// watchLoop maintains a pod watch over managed jobs, dispatching events to
// handles by the jobID label. Losing the watch twice in a row marks live
// handles Unknown until the stream recovers.
func (c *Controller) watchLoop(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		w, err := c.client.CoreV1().Pods(c.cfg.Namespace).Watch(ctx, metav1.ListOptions{
			LabelSelector: LabelApp + "=" + LabelAppValue,
		})
		if err != nil {
			failures++
			if failures >= 2 {
				c.markAllUnknown()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		if failures >= 2 {
			// Watch recovered: resync real phases from a fresh list.
			c.resync(ctx)
		}
		failures = 0

		c.drainWatch(ctx, w)
	}
}

func (c *Controller) drainWatch(ctx context.Context, w watch.Interface) {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.ResultChan():
			if !ok {
				return
			}
			if event.Type == watch.Error {
				return
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			c.observePod(pod)
		}
	}
}

// observePod computes the next phase from pod status and applies it.
func (c *Controller) observePod(pod *corev1.Pod) {
	id, err := uuid.Parse(pod.Labels[LabelJobID])
	if err != nil {
		return
	}
	h, ok := c.lookup(id)
	if !ok {
		return
	}

	now := c.now()
	h.touch(now)

	h.mu.Lock()
	defer h.mu.Unlock()

	if pod.Spec.NodeName != "" {
		h.nodeName = pod.Spec.NodeName
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		h.transitionLocked(api.PhaseRunning, now)

	case corev1.PodSucceeded:
		code := 0
		h.exitCode = &code
		h.transitionLocked(api.PhaseSucceeded, now)

	case corev1.PodFailed:
		if code, ok := terminatedExitCode(pod); ok {
			h.exitCode = &code
		}
		if h.lastError == "" {
			h.lastError = ErrNonZeroExit
		}
		h.transitionLocked(api.PhaseFailed, now)

	case corev1.PodPending:
		if reason, failed := imagePullFailure(pod); failed {
			h.lastError = ErrImagePull
			c.logger.Warn("image pull failure", "job", h.k8sName, "reason", reason)
			h.transitionLocked(api.PhaseFailed, now)
		}
	}
}

func terminatedExitCode(pod *corev1.Pod) (int, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode), true
		}
	}
	return 0, false
}

func imagePullFailure(pod *corev1.Pod) (string, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting == nil {
			continue
		}
		switch cs.State.Waiting.Reason {
		case "ErrImagePull", "ImagePullBackOff", "InvalidImageName":
			return cs.State.Waiting.Reason, true
		}
	}
	return "", false
}

// markAllUnknown flips every live handle to Unknown after repeated watch
// failures confirmed by a failed reachability probe.
func (c *Controller) markAllUnknown() {
	probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(probeCtx); err == nil {
		return
	}

	for _, h := range c.nonTerminalHandles() {
		if h.transition(api.PhaseUnknown, c.now()) {
			c.logger.Warn("job phase unknown, watch lost", "job", h.k8sName)
		}
	}
}

// resync restores real phases from a fresh pod list after watch recovery.
func (c *Controller) resync(ctx context.Context) {
	pods, err := c.client.CoreV1().Pods(c.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelApp + "=" + LabelAppValue,
	})
	if err != nil {
		c.logger.Warn("resync list failed", "error", err)
		return
	}
	for i := range pods.Items {
		c.observePod(&pods.Items[i])
	}
}

// heartbeatLoop probes jobs whose watch went quiet. Two consecutive probe
// failures put the handle into Unknown.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	threshold := c.cfg.StaleThreshold
	if threshold <= 0 {
		threshold = 30 * time.Second
	}
	ticker := time.NewTicker(threshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeStale(ctx, threshold)
		}
	}
}

func (c *Controller) probeStale(ctx context.Context, threshold time.Duration) {
	now := c.now()
	for _, h := range c.nonTerminalHandles() {
		h.mu.Lock()
		stale := now.Sub(h.lastEvent) > threshold
		h.mu.Unlock()
		if !stale {
			continue
		}

		job, err := c.client.BatchV1().Jobs(h.namespace).Get(ctx, h.k8sName, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				// The job vanished underneath us.
				h.mu.Lock()
				if h.lastError == "" {
					h.lastError = ErrWatchLost
				}
				h.transitionLocked(api.PhaseFailed, now)
				h.mu.Unlock()
				continue
			}
			h.mu.Lock()
			h.probeFailures++
			failures := h.probeFailures
			h.mu.Unlock()
			if failures >= 2 {
				h.transition(api.PhaseUnknown, now)
			}
			continue
		}

		h.touch(now)
		c.observeJob(h, job)
	}
}

// observeJob derives a terminal phase from job status during heartbeats.
func (c *Controller) observeJob(h *handle, job *batchv1.Job) {
	now := c.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case job.Status.Succeeded > 0:
		if h.exitCode == nil {
			code := 0
			h.exitCode = &code
		}
		h.transitionLocked(api.PhaseSucceeded, now)
	case job.Status.Failed > 0:
		if h.lastError == "" {
			h.lastError = ErrBackoffLimit
		}
		h.transitionLocked(api.PhaseFailed, now)
	case job.Status.Active > 0:
		h.transitionLocked(api.PhaseRunning, now)
	}
}

// retentionLoop purges terminal handles past the retention window, deleting
// the underlying Job and its pods.
func (c *Controller) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.purgeExpired(ctx)
		}
	}
}

func (c *Controller) purgeExpired(ctx context.Context) {
	retention := c.cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	now := c.now()

	c.mu.Lock()
	expired := make([]*handle, 0)
	for id, h := range c.handles {
		h.mu.Lock()
		done := isTerminal(h.phase) && h.endedAt != nil && now.Sub(*h.endedAt) > retention
		h.mu.Unlock()
		if done {
			expired = append(expired, h)
			delete(c.handles, id)
		}
	}
	c.mu.Unlock()

	propagation := metav1.DeletePropagationForeground
	for _, h := range expired {
		err := c.client.BatchV1().Jobs(h.namespace).Delete(ctx, h.k8sName, metav1.DeleteOptions{
			PropagationPolicy: &propagation,
		})
		if err != nil && !apierrors.IsNotFound(err) {
			c.logger.Warn("retention delete failed", "job", h.k8sName, "error", err)
		}
	}
}
