package admin

import (
	"net/http"
	"time"

	"sitekeeper/admin-service/internal/httputil"

	dto "github.com/prometheus/client_model/go"
)

var circuitStates = map[float64]string{0: "closed", 1: "open", 2: "half-open"}

// Stats summarises the Prometheus registry for the dashboard.
// GET /api/admin/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	mfs, err := h.gatherer.Gather()
	if err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("gather metrics")
		httputil.WriteError(w, http.StatusInternalServerError, "metrics_error")
		return
	}
	byName := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		byName[mf.GetName()] = mf
	}

	stats := map[string]map[string]any{
		"logins":     {},
		"ceremonies": {},
		"security":   {},
		"sessions":   {},
		"store":      {},
		"system":     {},
	}

	// Logins, keyed "method_result".
	if mf := byName["sitekeeper_login_total"]; mf != nil {
		for _, m := range mf.Metric {
			key := label(m, "method") + "_" + label(m, "result")
			stats["logins"][key] = m.GetCounter().GetValue()
		}
	}

	// Ceremonies, folded to ok/failed per flow and stage.
	if mf := byName["sitekeeper_webauthn_ceremony_total"]; mf != nil {
		for _, m := range mf.Metric {
			outcome := "failed"
			if label(m, "result") == "ok" {
				outcome = "ok"
			}
			key := label(m, "flow") + "_" + label(m, "stage") + "_" + outcome
			prev, _ := stats["ceremonies"][key].(float64)
			stats["ceremonies"][key] = prev + m.GetCounter().GetValue()
		}
	}

	if v, ok := single(byName["sitekeeper_csrf_rejections_total"]); ok {
		stats["security"]["csrf_rejections"] = v
	}
	if v, ok := single(byName["sitekeeper_auth_gate_rejections_total"]); ok {
		stats["security"]["gate_rejections"] = v
	}
	if v, ok := single(byName["sitekeeper_webauthn_counter_regression_total"]); ok {
		stats["security"]["counter_regressions"] = v
	}
	if mf := byName["sitekeeper_rate_limit_hits_total"]; mf != nil {
		for _, m := range mf.Metric {
			stats["security"]["rate_limited_"+label(m, "endpoint")] = m.GetCounter().GetValue()
		}
	}

	if v, ok := single(byName["sitekeeper_sessions_active"]); ok {
		stats["sessions"]["active"] = v
	}

	if mf := byName["sitekeeper_store_circuit_state"]; mf != nil {
		for _, m := range mf.Metric {
			stats["store"][label(m, "backend")] = circuitStates[m.GetGauge().GetValue()]
		}
	}

	if v, ok := single(byName["go_goroutines"]); ok {
		stats["system"]["goroutines"] = v
	}
	stats["system"]["uptime_sec"] = time.Since(h.started).Seconds()

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func label(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

// single returns the value of a family holding one unlabelled counter or
// gauge.
func single(mf *dto.MetricFamily) (float64, bool) {
	if mf == nil || len(mf.Metric) == 0 {
		return 0, false
	}
	m := mf.Metric[0]
	switch mf.GetType() {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	}
	return 0, false
}
