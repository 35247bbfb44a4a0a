package stats

import (
	"testing"
	"time"
)

func TestParseMetricLine(t *testing.T) {
	cases := []struct {
		line   string
		name   string
		labels string
		value  float64
		ok     bool
	}{
		{"shop_event_stream_clients 3", "shop_event_stream_clients", "", 3, true},
		{`shop_session_operations_total{op="get",result="ok"} 42`, "shop_session_operations_total", `op="get",result="ok"`, 42, true},
		{`shop_rate_limited_total{rule="login"} 1.5e+01 1700000000000`, "shop_rate_limited_total", `rule="login"`, 15, true},
		{`broken{label="x" 1`, "", "", 0, false},
		{"lonely", "", "", 0, false},
		{"name NaNish", "", "", 0, false},
	}
	for _, tc := range cases {
		name, labels, v, ok := parseMetricLine(tc.line)
		if ok != tc.ok || name != tc.name || labels != tc.labels || v != tc.value {
			t.Errorf("parseMetricLine(%q) = %q, %q, %v, %v", tc.line, name, labels, v, ok)
		}
	}
}

func TestApplyMetricLine(t *testing.T) {
	var snap metricSnapshot
	for _, line := range []string{
		"# HELP shop_session_operations_total Total number of session operations",
		`shop_session_operations_total{op="create",result="ok"} 10`,
		`shop_session_operations_total{op="get",result="error"} 2`,
		`shop_session_events_published_total{result="ok",type="login"} 10`,
		"shop_event_stream_clients 4",
		`shop_session_store_latency_seconds_sum{op="get"} 0.5`,
		`shop_session_store_latency_seconds_count{op="get"} 100`,
		"go_goroutines 12",
	} {
		applyMetricLine(&snap, line)
	}

	if snap.sessionOps != 12 || snap.sessionErrors != 2 {
		t.Errorf("session ops = %v errors = %v", snap.sessionOps, snap.sessionErrors)
	}
	if snap.eventsSent != 10 || snap.streamClients != 4 {
		t.Errorf("events = %v clients = %v", snap.eventsSent, snap.streamClients)
	}
	if snap.storeSum != 0.5 || snap.storeCount != 100 {
		t.Errorf("store histogram = %v/%v", snap.storeSum, snap.storeCount)
	}
}

func TestSummarize(t *testing.T) {
	if _, ok := Summarize(nil); ok {
		t.Error("empty sample should not summarize")
	}

	var d []time.Duration
	for i := 100; i >= 1; i-- {
		d = append(d, time.Duration(i)*time.Millisecond)
	}
	p, ok := Summarize(d)
	if !ok {
		t.Fatal("expected summary")
	}
	if p.N != 100 || p.Max != 100*time.Millisecond {
		t.Errorf("n/max = %d/%v", p.N, p.Max)
	}
	if p.P50 != 51*time.Millisecond || p.P95 != 95*time.Millisecond || p.P99 != 99*time.Millisecond {
		t.Errorf("percentiles = %+v", p)
	}
	if p.Avg != 50500*time.Microsecond {
		t.Errorf("avg = %v", p.Avg)
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.AddError("create")
	c.Observe("create", time.Millisecond)
	c.Observe("get", time.Millisecond)
	c.AddError("get")

	if c.Count("create") != 1 || c.ErrorCount() != 2 {
		t.Errorf("count = %d errors = %d", c.Count("create"), c.ErrorCount())
	}
	if len(c.order) != 2 || c.order[0] != "create" || c.order[1] != "get" {
		t.Errorf("order = %v", c.order)
	}
}
