package gateway

import (
	"encoding/json"
	"net/http"

	"siprec-server/pkg/deploygate"
)

// AdminHandler serves the Deploy Gate's deployment status document for
// operator visibility, the supplemented feature grounded on
// original_source's DeployGuardFull.get_deployment_status. It carries
// no auth of its own; callers are expected to mount it behind an
// operator-only route or network boundary rather than the public /ws
// listener, mirroring the teacher's own separation between the
// caller-facing WebSocket endpoint and its Prometheus /metrics handler.
type AdminHandler struct {
	gate *deploygate.Gate
}

// NewAdminHandler builds an AdminHandler over the same Deploy Gate the
// Gateway's call Handler selects variants from.
func NewAdminHandler(gate *deploygate.Gate) *AdminHandler {
	return &AdminHandler{gate: gate}
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.gate.Status())
}
