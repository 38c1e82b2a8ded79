package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"hubbridge/internal/cluster"
	"hubbridge/internal/config"
	"hubbridge/internal/fault"
	"hubbridge/internal/logger"
	"hubbridge/pkg/api"
)

type pickCall struct {
	count   int
	gpuType string
}

type releaseCall struct {
	node  string
	count int
}

// fakeSched scripts the node picker.
type fakeSched struct {
	node     *cluster.NodeRecord
	pickErr  error
	picks    []pickCall
	released []releaseCall
}

func (f *fakeSched) Pick(count int, gpuType string) (*cluster.NodeRecord, error) {
	f.picks = append(f.picks, pickCall{count, gpuType})
	if f.pickErr != nil {
		return nil, f.pickErr
	}
	return f.node, nil
}

func (f *fakeSched) Release(node string, count int) {
	f.released = append(f.released, releaseCall{node, count})
}

func testController(t *testing.T, sched scheduler, objs ...runtime.Object) (*Controller, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset(objs...)
	cfg := config.JobsConfig{
		Namespace:      "ml-jobs",
		GPUImage:       "python:3.11-gpu",
		CPUImage:       "python:3.11-slim",
		MaxScriptBytes: 1 << 20,
		QueueDepth:     4,
		SubmitTimeout:  2 * time.Second,
		Retention:      time.Hour,
		StaleThreshold: 30 * time.Second,
	}
	return NewController(client, sched, cfg, logger.New("error")), client
}

func gpuRequest() *api.ScriptJobRequest {
	req := validRequest()
	req.GPURequired = true
	req.GPUCount = 2
	req.GPUType = "A100"
	return req
}

func TestSubmit_CPUJob(t *testing.T) {
	sched := &fakeSched{}
	c, client := testController(t, sched)

	handle, err := c.Submit(context.Background(), validRequest(), "alice")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if handle.Phase != api.PhasePending {
		t.Errorf("got phase %q, want Pending", handle.Phase)
	}
	if handle.Submitter != "alice" {
		t.Errorf("got submitter %q, want alice", handle.Submitter)
	}
	if len(sched.picks) != 0 {
		t.Error("CPU job must not consult the scheduler")
	}
	if c.ActiveCount() != 1 {
		t.Errorf("got active count %d, want 1", c.ActiveCount())
	}

	job, err := client.BatchV1().Jobs("ml-jobs").Get(context.Background(), handle.K8sName, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("created job not found: %v", err)
	}
	if job.Labels[LabelJobID] != handle.JobID {
		t.Errorf("job label %q does not match handle ID %q", job.Labels[LabelJobID], handle.JobID)
	}
}

func TestSubmit_GPUJobPinsNode(t *testing.T) {
	sched := &fakeSched{node: &cluster.NodeRecord{Name: "gpu-a", GPUType: "A100"}}
	c, client := testController(t, sched)

	handle, err := c.Submit(context.Background(), gpuRequest(), "alice")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(sched.picks) != 1 || sched.picks[0] != (pickCall{2, "A100"}) {
		t.Errorf("unexpected scheduler calls: %v", sched.picks)
	}

	job, err := client.BatchV1().Jobs("ml-jobs").Get(context.Background(), handle.K8sName, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("created job not found: %v", err)
	}
	if got := job.Spec.Template.Spec.NodeSelector["kubernetes.io/hostname"]; got != "gpu-a" {
		t.Errorf("got node selector %q, want gpu-a", got)
	}
}

func TestSubmit_InvalidRequestLeavesNoTrace(t *testing.T) {
	c, client := testController(t, &fakeSched{})

	req := validRequest()
	req.ScriptBody = ""
	_, err := c.Submit(context.Background(), req, "alice")
	if !fault.Is(err, fault.InvalidRequest) {
		t.Fatalf("got %v, want InvalidRequest", err)
	}

	if c.ActiveCount() != 0 {
		t.Error("rejected submit must not register a handle")
	}
	jobs, _ := client.BatchV1().Jobs("ml-jobs").List(context.Background(), metav1.ListOptions{})
	if len(jobs.Items) != 0 {
		t.Error("rejected submit must not create a job")
	}
}

func TestSubmit_NoCapacity(t *testing.T) {
	sched := &fakeSched{pickErr: fault.New(fault.NoCapacity, "no schedulable node")}
	c, client := testController(t, sched)

	_, err := c.Submit(context.Background(), gpuRequest(), "alice")
	if !fault.Is(err, fault.NoCapacity) {
		t.Fatalf("got %v, want NoCapacity", err)
	}
	jobs, _ := client.BatchV1().Jobs("ml-jobs").List(context.Background(), metav1.ListOptions{})
	if len(jobs.Items) != 0 {
		t.Error("capacity failure must not create a job")
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	c.cfg.QueueDepth = 1

	if _, err := c.Submit(context.Background(), validRequest(), "alice"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := c.Submit(context.Background(), validRequest(), "alice")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
}

func TestSubmit_ManifestRejected(t *testing.T) {
	sched := &fakeSched{node: &cluster.NodeRecord{Name: "gpu-a"}}
	c, client := testController(t, sched)
	client.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewBadRequest("spec rejected")
	})

	_, err := c.Submit(context.Background(), gpuRequest(), "alice")
	if !fault.Is(err, fault.InvalidRequest) {
		t.Fatalf("got %v, want InvalidRequest", err)
	}

	if c.ActiveCount() != 0 {
		t.Error("rejected manifest must unregister the handle")
	}
	if len(sched.released) != 1 || sched.released[0] != (releaseCall{"gpu-a", 2}) {
		t.Errorf("reservation not released: %v", sched.released)
	}
}

func TestSubmit_BudgetExhausted(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	c.cfg.SubmitTimeout = 100 * time.Millisecond

	client := c.client.(*fake.Clientset)
	client.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("etcd down")
	})

	handle, err := c.Submit(context.Background(), validRequest(), "alice")
	if err != nil {
		t.Fatalf("exhausted budget must report through the handle, got error %v", err)
	}
	if handle.Phase != api.PhaseFailed {
		t.Errorf("got phase %q, want Failed", handle.Phase)
	}
	if handle.LastError != ErrSubmitTimeout {
		t.Errorf("got lastError %q, want %s", handle.LastError, ErrSubmitTimeout)
	}
}

func TestCancel(t *testing.T) {
	sched := &fakeSched{node: &cluster.NodeRecord{Name: "gpu-a"}}
	c, client := testController(t, sched)

	submitted, err := c.Submit(context.Background(), gpuRequest(), "alice")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobID := uuid.MustParse(submitted.JobID)

	cancelled, err := c.Cancel(context.Background(), jobID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Phase != api.PhaseCancelled || cancelled.LastError != ErrCancelled {
		t.Errorf("got %q/%q, want Cancelled/%s", cancelled.Phase, cancelled.LastError, ErrCancelled)
	}
	if len(sched.released) != 1 {
		t.Errorf("reservation not released: %v", sched.released)
	}

	_, err = client.BatchV1().Jobs("ml-jobs").Get(context.Background(), submitted.K8sName, metav1.GetOptions{})
	if !apierrors.IsNotFound(err) {
		t.Error("cancel must delete the underlying job")
	}

	// Cancelling again is a no-op reporting the same phase.
	again, err := c.Cancel(context.Background(), jobID)
	if err != nil || again.Phase != api.PhaseCancelled {
		t.Errorf("repeat cancel: got %q, %v", again.Phase, err)
	}
	if len(sched.released) != 1 {
		t.Error("repeat cancel must not release twice")
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	_, err := c.Cancel(context.Background(), uuid.New())
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestGet_UnknownJob(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	_, err := c.Get(uuid.New())
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestList_NewestFirstPerSubmitter(t *testing.T) {
	c, _ := testController(t, &fakeSched{})

	base := time.Unix(1_700_000_000, 0)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, _ := c.Submit(context.Background(), validRequest(), "alice")
	second, _ := c.Submit(context.Background(), validRequest(), "alice")
	c.Submit(context.Background(), validRequest(), "bob")

	got := c.List("alice")
	if len(got) != 2 {
		t.Fatalf("got %d jobs, want 2", len(got))
	}
	if got[0].JobID != second.JobID || got[1].JobID != first.JobID {
		t.Error("list must be ordered newest first")
	}
	if len(c.List("bob")) != 1 {
		t.Error("bob's job leaked into the wrong listing")
	}
}

// podFor builds a pod carrying the tracking labels of a submitted job.
func podFor(handle api.JobHandleResponse, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      handle.K8sName + "-pod",
			Namespace: "ml-jobs",
			Labels: map[string]string{
				LabelApp:   LabelAppValue,
				LabelJobID: handle.JobID,
			},
		},
		Spec:   corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{Phase: phase},
	}
}

func TestObservePod_Running(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	submitted, _ := c.Submit(context.Background(), validRequest(), "alice")

	c.observePod(podFor(submitted, corev1.PodRunning))

	got, _ := c.Get(uuid.MustParse(submitted.JobID))
	if got.Phase != api.PhaseRunning {
		t.Errorf("got phase %q, want Running", got.Phase)
	}
	if got.NodeName != "node-1" {
		t.Errorf("got node %q, want node-1", got.NodeName)
	}
	if got.StartedAt == nil {
		t.Error("startedAt must be set on entering Running")
	}
}

func TestObservePod_Succeeded(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	submitted, _ := c.Submit(context.Background(), validRequest(), "alice")

	c.observePod(podFor(submitted, corev1.PodSucceeded))

	got, _ := c.Get(uuid.MustParse(submitted.JobID))
	if got.Phase != api.PhaseSucceeded {
		t.Errorf("got phase %q, want Succeeded", got.Phase)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("got exit code %v, want 0", got.ExitCode)
	}
	if got.EndedAt == nil {
		t.Error("endedAt must be set on a terminal phase")
	}
}

func TestObservePod_FailedWithExitCode(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	submitted, _ := c.Submit(context.Background(), validRequest(), "alice")

	pod := podFor(submitted, corev1.PodFailed)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{ExitCode: 3},
		},
	}}
	c.observePod(pod)

	got, _ := c.Get(uuid.MustParse(submitted.JobID))
	if got.Phase != api.PhaseFailed || got.LastError != ErrNonZeroExit {
		t.Errorf("got %q/%q, want Failed/%s", got.Phase, got.LastError, ErrNonZeroExit)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("got exit code %v, want 3", got.ExitCode)
	}
}

func TestObservePod_ImagePullFailure(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	submitted, _ := c.Submit(context.Background(), validRequest(), "alice")

	pod := podFor(submitted, corev1.PodPending)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		State: corev1.ContainerState{
			Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"},
		},
	}}
	c.observePod(pod)

	got, _ := c.Get(uuid.MustParse(submitted.JobID))
	if got.Phase != api.PhaseFailed || got.LastError != ErrImagePull {
		t.Errorf("got %q/%q, want Failed/%s", got.Phase, got.LastError, ErrImagePull)
	}
}

func TestObservePod_UnlabelledPodIgnored(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	submitted, _ := c.Submit(context.Background(), validRequest(), "alice")

	stray := podFor(submitted, corev1.PodRunning)
	stray.Labels[LabelJobID] = "not-a-uuid"
	c.observePod(stray)

	got, _ := c.Get(uuid.MustParse(submitted.JobID))
	if got.Phase != api.PhasePending {
		t.Errorf("stray pod moved the phase to %q", got.Phase)
	}
}

func TestObserveJob(t *testing.T) {
	tests := []struct {
		name      string
		status    batchv1.JobStatus
		wantPhase string
		wantErr   string
	}{
		{"succeeded", batchv1.JobStatus{Succeeded: 1}, api.PhaseSucceeded, ""},
		{"failed", batchv1.JobStatus{Failed: 1}, api.PhaseFailed, ErrBackoffLimit},
		{"active", batchv1.JobStatus{Active: 1}, api.PhaseRunning, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := testController(t, &fakeSched{})
			submitted, _ := c.Submit(context.Background(), validRequest(), "alice")

			h, _ := c.lookup(uuid.MustParse(submitted.JobID))
			c.observeJob(h, &batchv1.Job{Status: tt.status})

			got, _ := c.Get(uuid.MustParse(submitted.JobID))
			if got.Phase != tt.wantPhase {
				t.Errorf("got phase %q, want %q", got.Phase, tt.wantPhase)
			}
			if got.LastError != tt.wantErr {
				t.Errorf("got lastError %q, want %q", got.LastError, tt.wantErr)
			}
		})
	}
}

func TestProbeStale_JobVanished(t *testing.T) {
	c, client := testController(t, &fakeSched{})

	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	submitted, _ := c.Submit(context.Background(), validRequest(), "alice")
	if err := client.BatchV1().Jobs("ml-jobs").Delete(context.Background(), submitted.K8sName, metav1.DeleteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	now = base.Add(time.Minute)
	c.probeStale(context.Background(), 30*time.Second)

	got, _ := c.Get(uuid.MustParse(submitted.JobID))
	if got.Phase != api.PhaseFailed || got.LastError != ErrWatchLost {
		t.Errorf("got %q/%q, want Failed/%s", got.Phase, got.LastError, ErrWatchLost)
	}
}

func TestProbeStale_RepeatedFailuresMarkUnknown(t *testing.T) {
	c, client := testController(t, &fakeSched{})

	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	submitted, _ := c.Submit(context.Background(), validRequest(), "alice")
	client.PrependReactor("get", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unreachable")
	})

	now = base.Add(time.Minute)
	c.probeStale(context.Background(), 30*time.Second)

	got, _ := c.Get(uuid.MustParse(submitted.JobID))
	if got.Phase != api.PhasePending {
		t.Fatalf("one probe failure flipped the phase to %q", got.Phase)
	}

	c.probeStale(context.Background(), 30*time.Second)
	got, _ = c.Get(uuid.MustParse(submitted.JobID))
	if got.Phase != api.PhaseUnknown {
		t.Errorf("got phase %q, want Unknown after two probe failures", got.Phase)
	}
}

func TestPurgeExpired(t *testing.T) {
	c, _ := testController(t, &fakeSched{})

	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	submitted, _ := c.Submit(context.Background(), validRequest(), "alice")
	jobID := uuid.MustParse(submitted.JobID)
	if _, err := c.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Inside the retention window the handle survives.
	now = base.Add(30 * time.Minute)
	c.purgeExpired(context.Background())
	if _, err := c.Get(jobID); err != nil {
		t.Fatalf("handle purged too early: %v", err)
	}

	now = base.Add(2 * time.Hour)
	c.purgeExpired(context.Background())
	if _, err := c.Get(jobID); !fault.Is(err, fault.NotFound) {
		t.Errorf("got %v, want NotFound after retention", err)
	}
}

func TestCancel_WaitsForDeleteConfirmation(t *testing.T) {
	sched := &fakeSched{node: &cluster.NodeRecord{Name: "gpu-a"}}
	c, client := testController(t, sched)

	submitted, err := c.Submit(context.Background(), gpuRequest(), "alice")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The first poll still sees the job; only the second confirms deletion.
	var polls atomic.Int32
	client.PrependReactor("get", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		if polls.Add(1) == 1 {
			return true, &batchv1.Job{}, nil
		}
		return true, nil, apierrors.NewNotFound(batchv1.Resource("jobs"), submitted.K8sName)
	})

	cancelled, err := c.Cancel(context.Background(), uuid.MustParse(submitted.JobID))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Phase != api.PhaseCancelled {
		t.Errorf("got phase %q, want Cancelled", cancelled.Phase)
	}
	if cancelled.EndedAt == nil {
		t.Error("terminal phase must carry endedAt")
	}
	if polls.Load() < 2 {
		t.Errorf("terminal write must wait for the delete to land, saw %d polls", polls.Load())
	}
}

func TestRun_BlocksUntilCancelled(t *testing.T) {
	c, _ := testController(t, &fakeSched{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Run owns its loops for the process lifetime; callers that need to do
	// other work must start it on a goroutine.
	select {
	case <-done:
		t.Fatal("Run returned while the context was still live")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
