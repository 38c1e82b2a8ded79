package jobs

import (
	"context"
	"encoding/base64"
	"io"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"hubbridge/internal/fault"
	"hubbridge/pkg/api"
)

// LogOptions controls partial and streaming log fetches.
type LogOptions struct {
	Follow    bool
	TailLines *int64
}

// logChunkSize bounds one chunk of container output.
const logChunkSize = 32 * 1024

// logBufferDepth bounds the producer-consumer gap: a slow client slows the
// producer instead of growing memory.
const logBufferDepth = 8

// Logs returns a finite sequence of chunks for the job's container output.
// The channel always ends with an EOF chunk and is then closed. When the pod
// is gone before the stream drains, the final chunk carries the truncation
// marker.
func (c *Controller) Logs(ctx context.Context, jobID uuid.UUID, opts LogOptions) (<-chan api.LogChunk, error) {
	h, ok := c.lookup(jobID)
	if !ok {
		return nil, fault.Newf(fault.NotFound, "job %s not found", jobID)
	}

	out := make(chan api.LogChunk, logBufferDepth)

	pod, err := c.findPod(ctx, h)
	if err != nil {
		return nil, err
	}
	if pod == "" {
		// Nothing to read: the pod was never observed or already deleted.
		out <- api.LogChunk{Seq: 0, EOF: true, Truncated: true}
		close(out)
		return out, nil
	}

	stream, err := c.client.CoreV1().Pods(h.namespace).GetLogs(pod, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    opts.Follow,
		TailLines: opts.TailLines,
	}).Stream(ctx)
	if err != nil {
		// Pod raced away between lookup and open.
		out <- api.LogChunk{Seq: 0, EOF: true, Truncated: true}
		close(out)
		return out, nil
	}

	go c.pumpLogs(ctx, stream, out)
	return out, nil
}

// pumpLogs copies the stream into bounded chunks until EOF or cancellation.
func (c *Controller) pumpLogs(ctx context.Context, stream io.ReadCloser, out chan<- api.LogChunk) {
	defer close(out)
	defer stream.Close()

	buf := make([]byte, logChunkSize)
	var seq int64
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := api.LogChunk{
				Seq:      seq,
				BytesB64: base64.StdEncoding.EncodeToString(buf[:n]),
			}
			seq++
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			final := api.LogChunk{Seq: seq, EOF: true}
			if err != io.EOF && ctx.Err() == nil {
				final.Truncated = true
			}
			select {
			case out <- final:
			case <-ctx.Done():
			}
			return
		}
	}
}

// findPod resolves the job's pod by the jobID label.
func (c *Controller) findPod(ctx context.Context, h *handle) (string, error) {
	pods, err := c.client.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelJobID + "=" + h.jobID.String(),
	})
	if err != nil {
		return "", fault.Wrap(fault.BackendUnavailable, "list pods", err)
	}
	if len(pods.Items) == 0 {
		return "", nil
	}
	return pods.Items[0].Name, nil
}
