package governor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/packagewjx/resource-governor/internal/cooldown"
	"github.com/packagewjx/resource-governor/internal/pattern"
	"github.com/packagewjx/resource-governor/internal/profile"
	"github.com/packagewjx/resource-governor/internal/vram"
	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	mu      sync.Mutex
	metrics *governor.ResourceMetrics
	err     error
}

func (m *fakeMonitor) Initialize() error { return nil }

func (m *fakeMonitor) StartMonitoring(_ context.Context) {}

func (m *fakeMonitor) GetCurrentMetrics() (*governor.ResourceMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	cp := *m.metrics
	return &cp, nil
}

func (m *fakeMonitor) set(metrics *governor.ResourceMetrics, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
	m.err = err
}

func lowLoad() *governor.ResourceMetrics {
	return &governor.ResourceMetrics{CpuPercent: 20, MemPercent: 20, Timestamp: time.Now()}
}

func highLoad() *governor.ResourceMetrics {
	return &governor.ResourceMetrics{CpuPercent: 95, MemPercent: 30, Timestamp: time.Now()}
}

func newTestGovernor(t *testing.T, mon *fakeMonitor, config *Config) *resourceGovernor {
	learner, err := pattern.NewLearner(nil, nil)
	require.NoError(t, err)
	calculator, err := cooldown.NewCalculator(learner, nil)
	require.NoError(t, err)
	profiles, err := profile.NewManager(nil, &profile.ManagerConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	g, err := NewGovernor(mon, vram.NewDetector(nil, nil, 0), calculator, learner, profiles, config)
	require.NoError(t, err)
	return g.(*resourceGovernor)
}

func TestConfigComplete(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.Complete())
	assert.Equal(t, DefaultInitialParallelism, c.OcrInitialParallelism)
	assert.Equal(t, DefaultMaxParallelism, c.TranslationMaxParallelism)
	assert.Equal(t, DefaultQueueSize, c.QueueSize)
	assert.Equal(t, DefaultAdjustInterval, c.AdjustInterval)

	assert.Error(t, (&Config{OcrInitialParallelism: -1}).Complete())
	assert.Error(t, (&Config{OcrInitialParallelism: 4, OcrMaxParallelism: 2}).Complete())
	assert.Error(t, (&Config{TranslationInitialParallelism: 4, TranslationMaxParallelism: 2}).Complete())
	assert.Error(t, (&Config{QueueSize: -1}).Complete())
}

func TestProcessOcrRunsWork(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)
	ctx := context.Background()

	req := &governor.ProcessingRequest{Game: "game.exe"}
	ran := false
	err := g.ProcessOcr(ctx, req, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NotEmpty(t, req.Id)
	assert.False(t, req.CreatedAt.IsZero())
	assert.Equal(t, 0, g.ocrQueue.Len(), "完成后队列应该腾空")
}

func TestProcessOcrPropagatesWorkError(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)

	wantErr := fmt.Errorf("识别失败")
	err := g.ProcessOcr(context.Background(), &governor.ProcessingRequest{}, func(ctx context.Context) error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 0, g.ocrQueue.Len())
}

func TestProcessOcrNilRequest(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)
	assert.Error(t, g.ProcessOcr(context.Background(), nil, func(ctx context.Context) error { return nil }))
}

func TestProcessOcrQueueFullCancellation(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, &Config{QueueSize: 1})
	ctx := context.Background()

	require.NoError(t, g.ocrQueue.Put(ctx, &governor.ProcessingRequest{Id: "occupied"}))

	canceled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	ran := false
	err := g.ProcessOcr(canceled, &governor.ProcessingRequest{}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, ran, "排队被取消的工作不应该执行")
	assert.Equal(t, 1, g.ocrQueue.Len())
}

func TestProcessTranslationRecordsSample(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)
	ctx := context.Background()

	p := g.profiles.GetProfile("game.exe")
	p.Predictive.MinCooldownMs = 1
	p.Predictive.MaxCooldownMs = 5
	require.NoError(t, g.profiles.UpdateProfile(p))

	req := &governor.TranslationRequest{
		ProcessingRequest: governor.ProcessingRequest{Game: "game.exe"},
		TextLength:        42,
	}
	require.NoError(t, g.ProcessTranslation(ctx, req, func(ctx context.Context) error { return nil }))

	results, err := g.profiles.VariantResults("game.exe")
	require.NoError(t, err)
	total := 0
	for _, r := range results {
		total += r.SampleCount
	}
	assert.Equal(t, 1, total)
}

func TestProcessTranslationCooldownCanceled(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)

	// 默认配置的最小冷却是500毫秒，取消发生在冷却等待期间
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := g.ProcessTranslation(ctx, &governor.TranslationRequest{
		ProcessingRequest: governor.ProcessingRequest{Game: "game.exe"},
	}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, ran)
}

func TestAdjustParallelismIncreaseOcrFirst(t *testing.T) {
	mon := &fakeMonitor{metrics: lowLoad()}
	g := newTestGovernor(t, mon, nil)

	g.AdjustParallelism()
	assert.Equal(t, 3, g.ocrGate.Capacity())
	assert.Equal(t, 2, g.translationGate.Capacity())
}

func TestAdjustParallelismNeverExceedsMax(t *testing.T) {
	mon := &fakeMonitor{metrics: lowLoad()}
	g := newTestGovernor(t, mon, nil)

	for i := 0; i < 10; i++ {
		g.AdjustParallelism()
		assert.LessOrEqual(t, g.ocrGate.Capacity(), g.config.OcrMaxParallelism)
		assert.LessOrEqual(t, g.translationGate.Capacity(), g.config.TranslationMaxParallelism)
	}
	assert.Equal(t, g.config.OcrMaxParallelism, g.ocrGate.Capacity())
	assert.Equal(t, g.config.TranslationMaxParallelism, g.translationGate.Capacity())
}

func TestAdjustParallelismDecreaseTranslationFirst(t *testing.T) {
	mon := &fakeMonitor{metrics: lowLoad()}
	g := newTestGovernor(t, mon, nil)

	// 先升到上限，再观察降并发的顺序
	for i := 0; i < 4; i++ {
		g.AdjustParallelism()
	}
	require.Equal(t, 4, g.ocrGate.Capacity())
	require.Equal(t, 4, g.translationGate.Capacity())

	mon.set(highLoad(), nil)
	g.AdjustParallelism()
	assert.Equal(t, 4, g.ocrGate.Capacity())
	assert.Equal(t, 3, g.translationGate.Capacity())
}

func TestAdjustParallelismNeverBelowInitial(t *testing.T) {
	mon := &fakeMonitor{metrics: highLoad()}
	g := newTestGovernor(t, mon, nil)

	for i := 0; i < 10; i++ {
		g.AdjustParallelism()
		assert.GreaterOrEqual(t, g.ocrGate.Capacity(), g.config.OcrInitialParallelism)
		assert.GreaterOrEqual(t, g.translationGate.Capacity(), g.config.TranslationInitialParallelism)
	}
}

func TestAdjustParallelismOscillationNeverIncreases(t *testing.T) {
	mon := &fakeMonitor{metrics: highLoad()}
	g := newTestGovernor(t, mon, nil)

	// 高低交替的负载落在去抖窗口内，并发度只应该下降或保持
	for i := 0; i < 10; i++ {
		mon.set(highLoad(), nil)
		g.AdjustParallelism()
		mon.set(lowLoad(), nil)
		g.AdjustParallelism()
		assert.Equal(t, g.config.OcrInitialParallelism, g.ocrGate.Capacity())
		assert.Equal(t, g.config.TranslationInitialParallelism, g.translationGate.Capacity())
	}
}

func TestAdjustParallelismMonitorErrorIsConservative(t *testing.T) {
	mon := &fakeMonitor{metrics: lowLoad()}
	g := newTestGovernor(t, mon, nil)

	g.AdjustParallelism()
	require.Equal(t, 3, g.ocrGate.Capacity())

	// 监控失效时按中等负载处理，并发度不升不降
	mon.set(nil, fmt.Errorf("采集失败"))
	for i := 0; i < 5; i++ {
		g.AdjustParallelism()
	}
	assert.Equal(t, 3, g.ocrGate.Capacity())
	assert.Equal(t, 2, g.translationGate.Capacity())
}

func TestGetCurrentResourceStatus(t *testing.T) {
	mon := &fakeMonitor{metrics: lowLoad()}
	g := newTestGovernor(t, mon, nil)
	g.AdjustParallelism()

	status := g.GetCurrentResourceStatus()
	assert.Equal(t, 3, status.OcrParallelism)
	assert.Equal(t, 2, status.TranslationParallelism)
	assert.Equal(t, 0, status.OcrQueueLength)
	assert.Equal(t, float64(20), status.Metrics.CpuPercent)
	assert.False(t, status.AdjustedAt.IsZero())
	assert.Equal(t, float64(vram.FallbackCapacityMB), status.Gpu.VramTotalMB)
}

func TestApplyGameProfileSelectsVariant(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)

	require.NoError(t, g.ApplyGameProfile("game.exe"))
	v := g.GetActiveConfigurationVariant("game.exe")
	assert.Contains(t, []governor.VariantKind{
		governor.VariantConservative,
		governor.VariantDefault,
		governor.VariantAggressive,
	}, v.Kind)

	g.mu.Lock()
	assert.Equal(t, "game.exe", g.currentGame)
	g.mu.Unlock()
}

func TestApplyGameProfileVariantAdjustsCooldown(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)

	p := g.profiles.GetProfile("game.exe")
	p.Predictive.MinCooldownMs = 2000
	p.Predictive.MaxCooldownMs = 30000
	require.NoError(t, g.profiles.UpdateProfile(p))

	// 变体按流量比例随机选择，反复应用直到选中保守变体
	selected := false
	for i := 0; i < 500; i++ {
		require.NoError(t, g.ApplyGameProfile("game.exe"))
		if g.GetActiveConfigurationVariant("game.exe").Kind == governor.VariantConservative {
			selected = true
			break
		}
	}
	require.True(t, selected)

	// 冷却等待使用变体调整后的下限，而不是落盘配置
	assert.Equal(t, 3000, g.effectiveProfile("game.exe").Predictive.MinCooldownMs)
	assert.Equal(t, 2000, g.profiles.GetProfile("game.exe").Predictive.MinCooldownMs)

	// 其他游戏仍然使用各自的落盘配置
	assert.Equal(t, profile.DefaultProfile("").Predictive.MinCooldownMs,
		g.effectiveProfile("other.exe").Predictive.MinCooldownMs)
}

func TestApplyGameProfileEmptyName(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)
	assert.Error(t, g.ApplyGameProfile(""))
}

func TestEndGameSession(t *testing.T) {
	mon := &fakeMonitor{metrics: lowLoad()}
	g := newTestGovernor(t, mon, nil)

	require.NoError(t, g.ApplyGameProfile("game.exe"))
	g.feedLearner()
	require.NoError(t, g.EndGameSession("game.exe"))

	p, err := g.learner.GetPattern("game.exe")
	require.NoError(t, err)
	assert.Equal(t, 1, p.SessionCount)

	g.mu.Lock()
	assert.Equal(t, "", g.currentGame)
	g.mu.Unlock()
}

func TestEndGameSessionWithoutGame(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)
	assert.Equal(t, governor.ErrNoActiveSession, g.EndGameSession("game.exe"))
}

func TestEndGameSessionWrongGame(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)

	require.NoError(t, g.ApplyGameProfile("game.exe"))
	assert.Equal(t, governor.ErrNoActiveSession, g.EndGameSession("other.exe"))

	// 名字不匹配时前台会话不受影响
	g.mu.Lock()
	assert.Equal(t, "game.exe", g.currentGame)
	g.mu.Unlock()
	assert.NoError(t, g.EndGameSession("game.exe"))
}

func TestReportCooldownEffectiveness(t *testing.T) {
	g := newTestGovernor(t, &fakeMonitor{metrics: lowLoad()}, nil)

	g.ReportCooldownEffectiveness("game.exe", time.Second, true)
	assert.Len(t, g.calculator.Measurements(), 1)
}
