package handlers

import (
	"net/http"

	"hubbridge/pkg/api"
)

// GPUNodes handles GET /nodes/gpu.
// Read-only inventory snapshot for operator UIs.
func (h *Handlers) GPUNodes(w http.ResponseWriter, r *http.Request) {
	records := h.nodes.Snapshot()

	resp := api.GPUNodesResponse{Nodes: make([]api.GPUNodeResponse, 0, len(records))}
	for _, rec := range records {
		resp.Nodes = append(resp.Nodes, api.GPUNodeResponse{
			Name:         rec.Name,
			GPUType:      rec.GPUType,
			GPUCount:     rec.GPUCount,
			GPUAvailable: rec.GPUAvailable,
			Schedulable:  rec.Schedulable,
		})
	}
	h.respondJSON(w, http.StatusOK, resp)
}
