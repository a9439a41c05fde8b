package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistriesAreIndependent(t *testing.T) {
	// Two registries in one process must not collide.
	a := NewRegistry()
	b := NewRegistry()
	a.ProductsPublished.Inc()
	b.ProductsPublished.Add(5)
}

func TestHandlerServesCollectors(t *testing.T) {
	r := NewRegistry()
	r.ProductsPublished.Inc()
	r.RepairRequests.WithLabelValues("request_product").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "mcastup_products_published_total 1")
	assert.Contains(t, body, `mcastup_repair_requests_total{type="request_product"} 1`)
}
