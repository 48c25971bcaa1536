package cooldown

import (
	"testing"
	"time"

	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePatterns struct {
	pattern *governor.GameLoadPattern
}

func (f *fakePatterns) GetPattern(string) (*governor.GameLoadPattern, error) {
	if f.pattern == nil {
		return nil, governor.ErrGameNotFound
	}
	return f.pattern, nil
}

func newTestCalculator(t *testing.T, patterns PatternSource) *Calculator {
	c, err := NewCalculator(patterns, nil)
	require.NoError(t, err)
	return c
}

func idleMetrics() (*governor.ResourceMetrics, *governor.GpuVramMetrics) {
	return &governor.ResourceMetrics{CpuPercent: 10, MemPercent: 20},
		&governor.GpuVramMetrics{GpuPercent: 5, VramPercent: 10, GpuTempC: 45,
			PressureLevel: governor.PressureLow}
}

func stressedMetrics() (*governor.ResourceMetrics, *governor.GpuVramMetrics) {
	return &governor.ResourceMetrics{CpuPercent: 95, MemPercent: 90},
		&governor.GpuVramMetrics{GpuPercent: 99, VramPercent: 95, GpuTempC: 85,
			PressureLevel: governor.PressureEmergency}
}

// 任何输入下冷却都必须落在[MinCooldown, MaxCooldown]内
func TestCooldownBounds(t *testing.T) {
	c := newTestCalculator(t, nil)

	sys, gpu := idleMetrics()
	d := c.Compute("game.exe", sys, gpu)
	assert.GreaterOrEqual(t, d, DefaultMinCooldown)
	assert.LessOrEqual(t, d, DefaultMaxCooldown)

	sys, gpu = stressedMetrics()
	d = c.Compute("game.exe", sys, gpu)
	assert.GreaterOrEqual(t, d, DefaultMinCooldown)
	assert.LessOrEqual(t, d, DefaultMaxCooldown)
}

func TestCooldownGrowsWithLoad(t *testing.T) {
	c := newTestCalculator(t, nil)

	idleSys, idleGpu := idleMetrics()
	busySys, busyGpu := stressedMetrics()
	assert.Greater(t, c.Compute("", busySys, busyGpu), c.Compute("", idleSys, idleGpu))
}

func TestTemperatureFactor(t *testing.T) {
	assert.Equal(t, 1.0, temperatureFactor(50))
	assert.Equal(t, 1.1, temperatureFactor(65))
	assert.Equal(t, 1.3, temperatureFactor(75))
	assert.Equal(t, 1.5, temperatureFactor(90))
}

func TestVramPressureFactor(t *testing.T) {
	assert.Equal(t, 0.9, vramPressureFactor(governor.PressureLow))
	assert.Equal(t, 1.0, vramPressureFactor(governor.PressureModerate))
	assert.Equal(t, 1.2, vramPressureFactor(governor.PressureHigh))
	assert.Equal(t, 1.5, vramPressureFactor(governor.PressureCritical))
	assert.Equal(t, 2.0, vramPressureFactor(governor.PressureEmergency))
}

func TestGamePatternFactorCategorical(t *testing.T) {
	patterns := &fakePatterns{pattern: &governor.GameLoadPattern{
		ProcessName:  "game.exe",
		AvgLoad:      30,
		PeakLoad:     35, // 波动5，稳定游戏
		SessionCount: 5,
	}}
	c := newTestCalculator(t, patterns)
	assert.Equal(t, 0.8, c.gamePatternFactor("game.exe", time.Second))

	patterns.pattern.PeakLoad = 90 // 波动60，剧烈波动
	assert.Equal(t, 1.6, c.gamePatternFactor("game.exe", time.Second))
}

func TestGamePatternFactorNeedsSessions(t *testing.T) {
	patterns := &fakePatterns{pattern: &governor.GameLoadPattern{
		ProcessName:  "game.exe",
		AvgLoad:      30,
		PeakLoad:     90,
		SessionCount: 1, // 低于MinSessions
	}}
	c := newTestCalculator(t, patterns)
	assert.Equal(t, 1.0, c.gamePatternFactor("game.exe", time.Second))

	// 完全没学习过的游戏同样取中性值
	c = newTestCalculator(t, &fakePatterns{})
	assert.Equal(t, 1.0, c.gamePatternFactor("unknown.exe", time.Second))
}

func TestGamePatternFactorEffectiveRatio(t *testing.T) {
	patterns := &fakePatterns{pattern: &governor.GameLoadPattern{
		ProcessName:  "game.exe",
		SessionCount: 5,
	}}
	c := newTestCalculator(t, patterns)

	c.ReportEffectiveness("game.exe", 2*time.Second, true)

	// 基线1s，历史有效冷却2s → 比值0.5
	assert.Equal(t, 0.5, c.gamePatternFactor("game.exe", time.Second))
	// 基线8s → 比值4，截断到2.0
	assert.Equal(t, 2.0, c.gamePatternFactor("game.exe", 8*time.Second))
}

func TestConfidenceFactor(t *testing.T) {
	c := newTestCalculator(t, nil)

	// 没有任何回报时保持中性
	assert.Equal(t, 1.0, c.confidenceFactor())

	// 连续失效把准确率压到0，冷却放大到3倍
	for i := 0; i < 20; i++ {
		c.ReportEffectiveness("game.exe", time.Second, false)
	}
	assert.InDelta(t, 3.0, c.confidenceFactor(), 0.05)

	// 连续有效后准确率回升，冷却温和缩短
	for i := 0; i < 50; i++ {
		c.ReportEffectiveness("game.exe", time.Second, true)
	}
	factor := c.confidenceFactor()
	assert.Less(t, factor, 1.0)
	assert.GreaterOrEqual(t, factor, 0.9)
}

func TestAccuracyEma(t *testing.T) {
	c := newTestCalculator(t, nil)

	c.ReportEffectiveness("game.exe", time.Second, true)
	assert.Equal(t, 1.0, c.Accuracy())

	c.ReportEffectiveness("game.exe", time.Second, false)
	// 0.8*1.0 + 0.2*0
	assert.InDelta(t, 0.8, c.Accuracy(), 0.001)
}

func TestStabilityFactor(t *testing.T) {
	c := newTestCalculator(t, nil)

	// 观测不足一个窗口时中性
	assert.Equal(t, 1.0, c.stabilityFactor())

	c.recentApplied = []float64{1000, 1000, 1000, 1000, 1000}
	assert.Equal(t, 0.9, c.stabilityFactor())

	c.recentApplied = []float64{500, 3000, 800, 5000, 1200}
	assert.Equal(t, 1.2, c.stabilityFactor())
}

func TestMeasurementHistoryBounded(t *testing.T) {
	c, err := NewCalculator(nil, &Config{HistorySize: 10})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		c.ReportEffectiveness("game.exe", time.Second, true)
	}
	assert.Equal(t, 10, len(c.Measurements()))
}

func TestConfigValidation(t *testing.T) {
	_, err := NewCalculator(nil, &Config{
		MinCooldown: 10 * time.Second,
		MaxCooldown: time.Second,
	})
	assert.Error(t, err)

	_, err = NewCalculator(nil, &Config{MinAccuracy: 1.5})
	assert.Error(t, err)
}
