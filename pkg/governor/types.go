package governor

import (
	"fmt"
	"time"
)

// ResourceMetrics 是资源监控器在某一时刻采集到的系统快照。采集后不可变。
type ResourceMetrics struct {
	CpuPercent   float64   `json:"cpuPercent"`
	MemPercent   float64   `json:"memPercent"`
	GpuPercent   float64   `json:"gpuPercent"`
	VramUsedMB   float64   `json:"vramUsedMB"`
	GpuTempC     float64   `json:"gpuTempC"`
	GpuAvailable bool      `json:"gpuAvailable"` // 为false时GPU相关字段无意义
	ProcessCount int       `json:"processCount"`
	Timestamp    time.Time `json:"timestamp"`
}

// GpuVramMetrics 是结合容量探测结果计算出的GPU视图
type GpuVramMetrics struct {
	GpuPercent    float64 `json:"gpuPercent"`
	VramUsedMB    float64 `json:"vramUsedMB"`
	VramTotalMB   float64 `json:"vramTotalMB"`
	VramPercent   float64 `json:"vramPercent"`
	GpuTempC      float64 `json:"gpuTempC"`
	IsOptimal     bool    `json:"isOptimal"` // 温度与显存均处于安全范围
	PressureLevel VramPressureLevel
}

// VramDetectionMethod 表示容量是通过哪条途径得到的
type VramDetectionMethod string

const (
	DetectionProbe     = VramDetectionMethod("probe")     // 硬件探测器报告
	DetectionEstimated = VramDetectionMethod("estimated") // 根据观测使用量统计估算
	DetectionFallback  = VramDetectionMethod("fallback")  // 固定保底值
)

// VramCapacityInfo 是带TTL缓存的容量估算结果
type VramCapacityInfo struct {
	TotalMB     float64             `json:"totalMB"`
	UsedMB      float64             `json:"usedMB"`
	AvailableMB float64             `json:"availableMB"`
	Percent     float64             `json:"percent"`
	Method      VramDetectionMethod `json:"method"`
	DetectedAt  time.Time           `json:"detectedAt"`
}

// VramPressureLevel 是显存使用率的五级分类
type VramPressureLevel int

const (
	PressureLow VramPressureLevel = iota
	PressureModerate
	PressureHigh
	PressureCritical
	PressureEmergency
)

func (l VramPressureLevel) String() string {
	switch l {
	case PressureLow:
		return "Low"
	case PressureModerate:
		return "Moderate"
	case PressureHigh:
		return "High"
	case PressureCritical:
		return "Critical"
	default:
		return "Emergency"
	}
}

// PressureLevelOf 根据显存使用百分比返回压力级别
func PressureLevelOf(vramPercent float64) VramPressureLevel {
	switch {
	case vramPercent < 40:
		return PressureLow
	case vramPercent < 60:
		return PressureModerate
	case vramPercent < 75:
		return PressureHigh
	case vramPercent < 90:
		return PressureCritical
	default:
		return PressureEmergency
	}
}

// GameLoadPattern 是某个游戏进程在多次游玩会话中学习到的负载形状。
// Buckets的键为距会话开始的分钟数。
type GameLoadPattern struct {
	ProcessName  string          `json:"processName"`
	Buckets      map[int]float64 `json:"buckets"`
	AvgLoad      float64         `json:"avgLoad"`
	PeakLoad     float64         `json:"peakLoad"`
	PeakOffset   int             `json:"peakOffset"` // 预测的负载峰值出现的分钟数
	SessionCount int             `json:"sessionCount"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Variability 返回峰值与平均值之差，反映游戏负载的波动程度
func (p *GameLoadPattern) Variability() float64 {
	return p.PeakLoad - p.AvgLoad
}

// VariantKind 是治理参数配置变体的名称
type VariantKind string

const (
	VariantConservative = VariantKind("conservative")
	VariantDefault      = VariantKind("default")
	VariantAggressive   = VariantKind("aggressive")
	VariantGameSpecific = VariantKind("game-specific")
)

// ConfigurationVariant 表示一个游戏当前生效的配置变体
type ConfigurationVariant struct {
	Kind VariantKind `json:"kind"`
	Game string      `json:"game,omitempty"` // 仅Kind为game-specific时有值
}

func (v ConfigurationVariant) String() string {
	if v.Kind == VariantGameSpecific {
		return string(v.Kind) + ":" + v.Game
	}
	return string(v.Kind)
}

// HysteresisSettings 是迟滞控制器的阈值配置。High触发降并发，Low触发升并发。
type HysteresisSettings struct {
	CpuHigh  float64 `json:"cpuHigh"`
	CpuLow   float64 `json:"cpuLow"`
	MemHigh  float64 `json:"memHigh"`
	MemLow   float64 `json:"memLow"`
	GpuHigh  float64 `json:"gpuHigh"`
	GpuLow   float64 `json:"gpuLow"`
	VramHigh float64 `json:"vramHigh"`
	VramLow  float64 `json:"vramLow"`
	// 距上次高负载越过阈值后，允许恢复并发所需的最短时间
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// PredictiveSettings 是预测冷却计算器的配置
type PredictiveSettings struct {
	MinCooldownMs int `json:"minCooldownMs"`
	MaxCooldownMs int `json:"maxCooldownMs"`
	// 游戏模式因子生效所需的最少学习会话数
	MinSessions int `json:"minSessions"`
}

// GameProfile 是按游戏持久化的治理配置。以JSON文件保存，一个游戏一个文件。
type GameProfile struct {
	ProcessName string               `json:"processName"`
	Hysteresis  HysteresisSettings   `json:"hysteresis"`
	Predictive  PredictiveSettings   `json:"predictive"`
	Variant     ConfigurationVariant `json:"variant"`
	Enabled     bool                 `json:"enabled"`
	Priority    int                  `json:"priority"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// AbTestConfiguration 是一个游戏的A/B实验配置，每个游戏只创建一次
type AbTestConfiguration struct {
	Game         string                  `json:"game"`
	Variants     []VariantKind           `json:"variants"`
	TrafficSplit map[VariantKind]float64 `json:"trafficSplit"`
	MinSamples   int                     `json:"minSamples"`
	StartedAt    time.Time               `json:"startedAt"`
}

// AbTestMetrics 按(游戏,变体)累积的观测数据。只增不减，进程退出后丢弃。
type AbTestMetrics struct {
	Game           string      `json:"game"`
	Variant        VariantKind `json:"variant"`
	SampleCount    int         `json:"sampleCount"`
	SuccessCount   int         `json:"successCount"`
	CooldownMsSum  float64     `json:"cooldownMsSum"`
	GpuTempSum     float64     `json:"gpuTempSum"`
	VramPercentSum float64     `json:"vramPercentSum"`
}

func (m *AbTestMetrics) SuccessRate() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.SampleCount)
}

func (m *AbTestMetrics) AvgCooldownMs() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return m.CooldownMsSum / float64(m.SampleCount)
}

func (m *AbTestMetrics) AvgVramPercent() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return m.VramPercentSum / float64(m.SampleCount)
}

// VariantResult 是评估时某变体的汇总表现
type VariantResult struct {
	Variant       VariantKind `json:"variant"`
	SampleCount   int         `json:"sampleCount"`
	SuccessRate   float64     `json:"successRate"`
	AvgCooldownMs float64     `json:"avgCooldownMs"`
	AvgVramUsage  float64     `json:"avgVramUsage"`
}

// 统计检验类型
const (
	TestChiSquare          = "ChiSquare"
	TestWelchT             = "WelchT"
	TestInsufficientSample = "InsufficientSampleSize"
	TestError              = "Error"
)

// 效应量分类
const (
	EffectNone   = "None"
	EffectSmall  = "Small"
	EffectMedium = "Medium"
	EffectLarge  = "Large"
)

// StatisticalTestResult 是比较两个变体得到的结论。即算即用，不持久化。
type StatisticalTestResult struct {
	TestType       string  `json:"testType"`
	PValue         float64 `json:"pValue"`
	IsSignificant  bool    `json:"isSignificant"`
	EffectSize     float64 `json:"effectSize"`
	EffectCategory string  `json:"effectCategory"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

// CooldownMeasurement 是一次冷却应用后的效果回报
type CooldownMeasurement struct {
	Game       string        `json:"game"`
	Applied    time.Duration `json:"applied"`
	Effective  bool          `json:"effective"`
	ReportedAt time.Time     `json:"reportedAt"`
}

// ProcessingRequest 是一次被准入的OCR工作单元。创建一次，执行一次，随后丢弃。
type ProcessingRequest struct {
	Id        string      `json:"id"`
	Game      string      `json:"game"`
	Payload   interface{} `json:"-"` // 载荷引用，调度器不检查其内容
	CreatedAt time.Time   `json:"createdAt"`
}

// TranslationRequest 是一次翻译工作单元，额外携带文本长度用于统计
type TranslationRequest struct {
	ProcessingRequest
	TextLength int `json:"textLength"`
}

// ResourceStatus 是调度器对外暴露的当前状态快照
type ResourceStatus struct {
	Metrics                ResourceMetrics `json:"metrics"`
	Gpu                    GpuVramMetrics  `json:"gpu"`
	OcrParallelism         int             `json:"ocrParallelism"`
	TranslationParallelism int             `json:"translationParallelism"`
	OcrQueueLength         int             `json:"ocrQueueLength"`
	TranslationQueueLength int             `json:"translationQueueLength"`
	AdjustedAt             time.Time       `json:"adjustedAt"`
}

var ErrGameNotFound = fmt.Errorf("不存在本游戏的记录")

var ErrNoActiveExperiment = fmt.Errorf("本游戏没有正在进行的实验")

var ErrNoActiveSession = fmt.Errorf("本游戏没有正在进行的游玩会话")
