package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/packagewjx/resource-governor/internal/cooldown"
	scheduler "github.com/packagewjx/resource-governor/internal/governor"
	"github.com/packagewjx/resource-governor/internal/pattern"
	"github.com/packagewjx/resource-governor/internal/profile"
	"github.com/packagewjx/resource-governor/internal/vram"
	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticMonitor struct{}

func (m *staticMonitor) Initialize() error { return nil }

func (m *staticMonitor) StartMonitoring(_ context.Context) {}

func (m *staticMonitor) GetCurrentMetrics() (*governor.ResourceMetrics, error) {
	return &governor.ResourceMetrics{CpuPercent: 30, MemPercent: 30, Timestamp: time.Now()}, nil
}

func newTestServer(t *testing.T) (*serverImpl, *httptest.Server) {
	learner, err := pattern.NewLearner(nil, nil)
	require.NoError(t, err)
	calculator, err := cooldown.NewCalculator(learner, nil)
	require.NoError(t, err)
	profiles, err := profile.NewManager(nil, &profile.ManagerConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	gov, err := scheduler.NewGovernor(&staticMonitor{}, vram.NewDetector(nil, nil, 0),
		calculator, learner, profiles, nil)
	require.NoError(t, err)

	srv, err := NewServer(gov, profiles, &Config{Port: 2300})
	require.NoError(t, err)
	impl := srv.(*serverImpl)
	ts := httptest.NewServer(impl.buildMux())
	t.Cleanup(ts.Close)
	return impl, ts
}

func TestConfigComplete(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.Complete())
	assert.Equal(t, uint16(DefaultPort), c.Port)

	assert.Error(t, (&Config{Port: 80}).Complete())
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	status := &governor.ResourceStatus{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(status))
	assert.Equal(t, scheduler.DefaultInitialParallelism, status.OcrParallelism)
	assert.Equal(t, scheduler.DefaultInitialParallelism, status.TranslationParallelism)
}

func TestProfileGetCreatesDefault(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/games/game.exe/profile")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	p := &governor.GameProfile{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(p))
	assert.Equal(t, "game.exe", p.ProcessName)
	assert.Equal(t, float64(85), p.Hysteresis.CpuHigh)
}

func TestProfileUpdate(t *testing.T) {
	impl, ts := newTestServer(t)

	p := profile.DefaultProfile("game.exe")
	p.Hysteresis.CpuHigh = 75
	body, err := json.Marshal(p)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/games/game.exe/profile", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, float64(75), impl.profiles.GetProfile("game.exe").Hysteresis.CpuHigh)
}

func TestProfileUpdateBadBody(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/games/game.exe/profile", "application/json",
		bytes.NewReader([]byte("{bad")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVariantNotFoundBeforeSession(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/games/unknown.exe/variant")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionLifecycleAndVariant(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/games/game.exe/session", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/games/game.exe/variant")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := struct {
		Active  governor.ConfigurationVariant `json:"active"`
		Results []*governor.VariantResult     `json:"results"`
	}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.Active.Kind)
	assert.Len(t, result.Results, 3)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/games/game.exe/session", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestSessionDeleteNameMismatch(t *testing.T) {
	_, ts := newTestServer(t)

	// 没有活跃会话时不能结束
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/games/game.exe/session", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/games/game.exe/session", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 结束的游戏与前台游戏不一致时拒绝，不影响当前会话
	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/games/other.exe/session", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/games/game.exe/session", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConflictsEndpoint(t *testing.T) {
	impl, ts := newTestServer(t)

	p := impl.profiles.GetProfile("game.exe")
	p.Hysteresis.CpuLow = 99
	require.NoError(t, impl.profiles.UpdateProfile(p))

	resp, err := http.Post(ts.URL+"/conflicts", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fixed := make([]string, 0)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fixed))
	assert.Len(t, fixed, 1)

	resp2, err := http.Get(ts.URL + "/conflicts")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestEvaluateEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/evaluate", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownGamePath(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/games/game.exe/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
