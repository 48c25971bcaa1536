// Package cooldown 计算每次翻译前插入的延迟。冷却由基线与一组乘法因子
// 组成，并通过调用方的效果回报持续校准自身的预测准确率。
package cooldown

import (
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/packagewjx/resource-governor/internal/utils"
	"github.com/packagewjx/resource-governor/pkg/governor"
)

const (
	DefaultMinCooldown = 500 * time.Millisecond
	DefaultMaxCooldown = 30 * time.Second
	DefaultBaselineMin = 1 * time.Second
	DefaultBaselineMax = 5 * time.Second

	// 负载到基线的非线性指数
	DefaultLoadExponent = 1.3

	// 游戏模式因子生效所需的最少学习会话数
	DefaultMinSessions = 3

	// 预测准确率低于该值时开始放大冷却
	DefaultMinAccuracy = 0.6

	DefaultHistorySize     = 100
	DefaultStabilityWindow = 5

	// 准确率指数滑动平均的权重：旧值0.8，新观测0.2
	accuracyKeepWeight = 0.8
	accuracyNewWeight  = 0.2
)

type Config struct {
	MinCooldown     time.Duration
	MaxCooldown     time.Duration
	BaselineMin     time.Duration
	BaselineMax     time.Duration
	LoadExponent    float64
	MinSessions     int
	MinAccuracy     float64
	HistorySize     int // 效果回报环形缓冲的容量
	StabilityWindow int // 稳定性因子考察的最近冷却次数
}

func (c *Config) Complete() error {
	if c.MinCooldown <= 0 {
		c.MinCooldown = DefaultMinCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	if c.BaselineMin <= 0 {
		c.BaselineMin = DefaultBaselineMin
	}
	if c.BaselineMax <= 0 {
		c.BaselineMax = DefaultBaselineMax
	}
	if c.LoadExponent <= 0 {
		c.LoadExponent = DefaultLoadExponent
	}
	if c.MinSessions <= 0 {
		c.MinSessions = DefaultMinSessions
	}
	if c.MinAccuracy <= 0 {
		c.MinAccuracy = DefaultMinAccuracy
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = DefaultStabilityWindow
	}

	if c.MinCooldown > c.MaxCooldown {
		return fmt.Errorf("MinCooldown不能大于MaxCooldown，现在为%v与%v", c.MinCooldown, c.MaxCooldown)
	}
	if c.MinAccuracy >= 1 {
		return fmt.Errorf("MinAccuracy应该小于1，现在为%f", c.MinAccuracy)
	}
	return nil
}

// PatternSource 提供按游戏学习到的负载模式
type PatternSource interface {
	GetPattern(processName string) (*governor.GameLoadPattern, error)
}

// Calculator 组合负载基线、游戏模式、温度、显存压力、准确率与稳定性
// 六个因子得出冷却时长，结果限制在[MinCooldown, MaxCooldown]内。
type Calculator struct {
	config   *Config
	patterns PatternSource // 可以为nil
	logger   *log.Logger

	mu               sync.Mutex
	accuracy         float64
	measurementCount int
	measurements     []*governor.CooldownMeasurement
	recentApplied    []float64 // 最近应用过的冷却毫秒数
	effectiveMsSum   map[string]float64
	effectiveCount   map[string]int
}

func NewCalculator(patterns PatternSource, config *Config) (*Calculator, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Complete(); err != nil {
		return nil, err
	}

	return &Calculator{
		config:         config,
		patterns:       patterns,
		logger:         log.New(os.Stdout, "cooldown: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
		effectiveMsSum: make(map[string]float64),
		effectiveCount: make(map[string]int),
	}, nil
}

// Compute 计算下一次翻译调用前的冷却时长并记录为已应用
func (c *Calculator) Compute(processName string, sys *governor.ResourceMetrics, gpu *governor.GpuVramMetrics) time.Duration {
	baseline := c.baseline(sys, gpu)

	c.mu.Lock()
	defer c.mu.Unlock()

	result := float64(baseline) *
		c.gamePatternFactor(processName, baseline) *
		temperatureFactor(gpu.GpuTempC) *
		vramPressureFactor(gpu.PressureLevel) *
		c.confidenceFactor() *
		c.stabilityFactor()

	clamped := time.Duration(utils.Clamp(result,
		float64(c.config.MinCooldown), float64(c.config.MaxCooldown)))

	c.recentApplied = append(c.recentApplied, float64(clamped.Milliseconds()))
	if len(c.recentApplied) > c.config.HistorySize {
		c.recentApplied = c.recentApplied[1:]
	}

	return clamped
}

// baseline 把四个维度的平均归一化负载非线性映射到[BaselineMin, BaselineMax]
func (c *Calculator) baseline(sys *governor.ResourceMetrics, gpu *governor.GpuVramMetrics) time.Duration {
	load := (sys.CpuPercent + sys.MemPercent + gpu.GpuPercent + gpu.VramPercent) / 4 / 100
	load = utils.Clamp(load, 0, 1)

	span := float64(c.config.BaselineMax - c.config.BaselineMin)
	return c.config.BaselineMin + time.Duration(span*math.Pow(load, c.config.LoadExponent))
}

// gamePatternFactor 按游戏历史调整基线。有足够效果回报时用历史有效冷却
// 的比值，否则按负载波动程度取分类乘数。调用方持有锁。
func (c *Calculator) gamePatternFactor(processName string, baseline time.Duration) float64 {
	if c.patterns == nil || processName == "" {
		return 1.0
	}
	p, err := c.patterns.GetPattern(processName)
	if err != nil || p.SessionCount < c.config.MinSessions {
		return 1.0
	}

	if count := c.effectiveCount[processName]; count > 0 {
		effectiveMs := c.effectiveMsSum[processName] / float64(count)
		if effectiveMs > 0 {
			return utils.Clamp(float64(baseline.Milliseconds())/effectiveMs, 0.5, 2.0)
		}
	}

	// 稳定的游戏缩短冷却，波动大的游戏放大
	switch v := p.Variability(); {
	case v < 10:
		return 0.8
	case v < 25:
		return 1.0
	case v < 40:
		return 1.3
	default:
		return 1.6
	}
}

func temperatureFactor(tempC float64) float64 {
	switch {
	case tempC < 60:
		return 1.0
	case tempC < 70:
		return 1.1
	case tempC < 80:
		return 1.3
	default:
		return 1.5
	}
}

func vramPressureFactor(level governor.VramPressureLevel) float64 {
	switch level {
	case governor.PressureLow:
		return 0.9
	case governor.PressureModerate:
		return 1.0
	case governor.PressureHigh:
		return 1.2
	case governor.PressureCritical:
		return 1.5
	default:
		return 2.0
	}
}

// confidenceFactor 预测准确率不足时按缺口比例放大冷却，最多放大到3倍；
// 准确率充足时随准确率提高温和缩短。调用方持有锁。
func (c *Calculator) confidenceFactor() float64 {
	if c.measurementCount == 0 {
		return 1.0
	}
	min := c.config.MinAccuracy
	if c.accuracy < min {
		return 1 + 2*(min-c.accuracy)/min
	}
	return 1 - 0.1*(c.accuracy-min)/(1-min)
}

// stabilityFactor 最近几次冷却的变异系数：方差小缩短，方差大放大。调用方持有锁。
func (c *Calculator) stabilityFactor() float64 {
	window := c.config.StabilityWindow
	if len(c.recentApplied) < window {
		return 1.0
	}
	cov := utils.CoefficientOfVariation(c.recentApplied[len(c.recentApplied)-window:])
	switch {
	case cov < 0.1:
		return 0.9
	case cov > 0.5:
		return 1.2
	default:
		return 1.0
	}
}

// ReportEffectiveness 回报一次冷却是否有效（没有观测到卡顿或超限）。
// 更新全局准确率滑动平均与该游戏的有效冷却均值。
func (c *Calculator) ReportEffectiveness(processName string, applied time.Duration, effective bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	observed := float64(0)
	if effective {
		observed = 1
	}
	if c.measurementCount == 0 {
		c.accuracy = observed
	} else {
		c.accuracy = accuracyKeepWeight*c.accuracy + accuracyNewWeight*observed
	}
	c.measurementCount++

	c.measurements = append(c.measurements, &governor.CooldownMeasurement{
		Game:       processName,
		Applied:    applied,
		Effective:  effective,
		ReportedAt: time.Now(),
	})
	if len(c.measurements) > c.config.HistorySize {
		c.measurements = c.measurements[1:]
	}

	if effective && processName != "" {
		c.effectiveMsSum[processName] += float64(applied.Milliseconds())
		c.effectiveCount[processName]++
	}
}

// Accuracy 返回当前的预测准确率估计
func (c *Calculator) Accuracy() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accuracy
}

// Measurements 返回效果回报历史的副本，仅保留最近的记录
func (c *Calculator) Measurements() []*governor.CooldownMeasurement {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]*governor.CooldownMeasurement, len(c.measurements))
	copy(result, c.measurements)
	return result
}
