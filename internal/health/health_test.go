package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/resilience"
)

type fakePool struct {
	stats     pool.Stats
	saturated bool
	full      bool
}

func (f fakePool) Stats() pool.Stats { return f.stats }
func (f fakePool) Saturated() bool   { return f.saturated }
func (f fakePool) Full() bool        { return f.full }

type fakeQueue map[string]int

func (q fakeQueue) Depth(class string) int { return q[class] }
func (q fakeQueue) Classes() []string {
	return []string{"default"}
}

func byName(s HealthStatus) map[string]ComponentStatus {
	out := make(map[string]ComponentStatus, len(s.Components))
	for _, c := range s.Components {
		out[c.Name] = c
	}
	return out
}

func TestCheck_AllHealthy(t *testing.T) {
	c := NewChecker()
	c.AddPool("default", fakePool{stats: pool.Stats{Workers: 2, Capacity: 4}})
	c.SetQueue(fakeQueue{"default": 1}, 10)
	c.SetBreakers(resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings()))

	s := c.Check()
	assert.True(t, s.Healthy)
	comps := byName(s)
	assert.Equal(t, StatusOK, comps["pool/default"].Status)
	assert.Equal(t, StatusOK, comps["scheduler/default"].Status)
}

func TestCheck_Degradations(t *testing.T) {
	c := NewChecker()
	c.AddPool("default", fakePool{stats: pool.Stats{Workers: 2, Busy: 2}, saturated: true})
	c.AddPool("heavy", fakePool{stats: pool.Stats{Workers: 1, Busy: 1}, saturated: true, full: true})
	c.SetQueue(fakeQueue{"default": 10}, 10)

	s := c.Check()
	comps := byName(s)
	assert.Equal(t, StatusDegraded, comps["pool/default"].Status)
	assert.Equal(t, StatusDown, comps["pool/heavy"].Status)
	assert.Equal(t, StatusDegraded, comps["scheduler/default"].Status)
	assert.False(t, s.Healthy)
}

func TestCheck_OpenCircuitIsDown(t *testing.T) {
	reg := resilience.NewBreakerRegistry(resilience.BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute})
	_ = reg.Get("anthropic").Execute(func() error { return errors.New("boom") })
	reg.Get("browser")

	c := NewChecker()
	c.SetBreakers(reg)

	s := c.Check()
	comps := byName(s)
	assert.False(t, s.Healthy)
	assert.Equal(t, StatusDown, comps["circuit/anthropic"].Status)
	assert.Equal(t, StatusOK, comps["circuit/browser"].Status)
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.AddPool("default", fakePool{stats: pool.Stats{Workers: 1}})

	rec := httptest.NewRecorder()
	Handler(c).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var s HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.True(t, s.Healthy)
	require.Len(t, s.Components, 1)

	c.AddPool("default", fakePool{})
	rec = httptest.NewRecorder()
	Handler(c).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "checks_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := NewServer(":0", NewChecker(), reg, nil)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
