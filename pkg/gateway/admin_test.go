package gateway

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siprec-server/pkg/bandit"
	"siprec-server/pkg/deploygate"
)

func TestAdminHandlerServesDeploymentStatus(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	b := bandit.New(rand.New(rand.NewPCG(2, 2)), nil)
	gate := deploygate.New(deploygate.DefaultConfig(), b, rng, "v0", nil)
	defer gate.Shutdown()
	gate.AddVariant(bandit.Variant{ID: "v1"})

	h := NewAdminHandler(gate)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var status deploygate.DeploymentStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Contains(t, status.Active, "v0")
	assert.Contains(t, status.Active, "v1")
}

func TestAdminHandlerRejectsNonGet(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	b := bandit.New(rand.New(rand.NewPCG(4, 4)), nil)
	gate := deploygate.New(deploygate.DefaultConfig(), b, rng, "v0", nil)
	defer gate.Shutdown()

	h := NewAdminHandler(gate)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/admin/status", nil)
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
