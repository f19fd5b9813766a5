package promexport

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/veldtlabs/tenauth"
)

func TestCollectorExportsCounters(t *testing.T) {
	m := tenauth.NewMetrics()
	m.Inc(tenauth.MetricLoginSuccess)
	m.Inc(tenauth.MetricLoginSuccess)
	m.Inc(tenauth.MetricRefreshReuse)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(m, "tenauth")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	expected := `
# HELP tenauth_auth_login_success_total tenauth counter login_success_total
# TYPE tenauth_auth_login_success_total counter
tenauth_auth_login_success_total 2
# HELP tenauth_auth_refresh_reuse_total tenauth counter refresh_reuse_total
# TYPE tenauth_auth_refresh_reuse_total counter
tenauth_auth_refresh_reuse_total 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tenauth_auth_login_success_total",
		"tenauth_auth_refresh_reuse_total",
	)
	if err != nil {
		t.Fatalf("GatherAndCompare: %v", err)
	}
}

func TestCollectorScrapeIsLive(t *testing.T) {
	m := tenauth.NewMetrics()
	c := NewCollector(m, "")

	if got := testutil.CollectAndCount(c); got != len(tenauth.MetricIDs()) {
		t.Fatalf("collected %d metrics, want %d", got, len(tenauth.MetricIDs()))
	}

	// Each scrape reads the counters fresh.
	m.Inc(tenauth.MetricTokenRefresh)
	expected := `
# HELP auth_token_refresh_total tenauth counter token_refresh_total
# TYPE auth_token_refresh_total counter
auth_token_refresh_total 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "auth_token_refresh_total"); err != nil {
		t.Fatalf("CollectAndCompare: %v", err)
	}
}
