// Package vram 负责在没有可靠直接API的情况下回答"显存总量是多少，用了多少"。
// 探测顺序：硬件探测器 → 根据观测使用量统计估算 → 固定保底值。
package vram

import (
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/packagewjx/resource-governor/internal/monitor"
	"github.com/packagewjx/resource-governor/internal/utils"
	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
)

const (
	DefaultCacheTTL    = 5 * time.Minute
	DefaultSampleDelay = 150 * time.Millisecond

	// 估算失败时的保底容量
	FallbackCapacityMB = 8192

	estimationSamples = 3

	// 峰值使用量落在某个常见容量的[10%, 90%]区间内时接受该容量
	matchLowerRatio = 0.10
	matchUpperRatio = 0.90
)

// 常见显卡的物理显存容量表，单位MB，升序
var commonVramSizesMB = []float64{1024, 2048, 3072, 4096, 6144, 8192, 11264, 12288, 16384, 24576}

// Detector 解析并缓存显存总容量。缓存过期后重新探测，绝不使用过期值。
type Detector struct {
	probe   monitor.GpuProbe   // 可以为nil
	sampler monitor.GpuSampler // 可以为nil

	ttl         time.Duration
	sampleDelay time.Duration
	logger      *log.Logger
	now         func() time.Time

	mu         sync.Mutex
	cachedAt   time.Time
	cachedMB   float64
	cachedMeth governor.VramDetectionMethod
}

func NewDetector(probe monitor.GpuProbe, sampler monitor.GpuSampler, ttl time.Duration) *Detector {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Detector{
		probe:       probe,
		sampler:     sampler,
		ttl:         ttl,
		sampleDelay: DefaultSampleDelay,
		logger:      log.New(os.Stdout, "vram: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
		now:         time.Now,
	}
}

// GetCapacity 返回容量信息，used/available/percent根据currentUsedMB计算。
// 任何探测失败都以保底值兜底，本方法不返回错误。
func (d *Detector) GetCapacity(currentUsedMB float64) *governor.VramCapacityInfo {
	total, method, detectedAt := d.resolveTotal()

	percent := utils.Clamp(currentUsedMB/total*100, 0, 100)
	return &governor.VramCapacityInfo{
		TotalMB:     total,
		UsedMB:      currentUsedMB,
		AvailableMB: math.Max(total-currentUsedMB, 0),
		Percent:     percent,
		Method:      method,
		DetectedAt:  detectedAt,
	}
}

// UsagePercent 把原始使用量换算为百分比，限制在[0,100]
func (d *Detector) UsagePercent(usedMB float64) float64 {
	total, _, _ := d.resolveTotal()
	return utils.Clamp(usedMB/total*100, 0, 100)
}

// GpuVramMetrics 根据一次遥测快照计算GPU视图
func (d *Detector) GpuVramMetrics(metrics *governor.ResourceMetrics) *governor.GpuVramMetrics {
	info := d.GetCapacity(metrics.VramUsedMB)
	level := governor.PressureLevelOf(info.Percent)
	return &governor.GpuVramMetrics{
		GpuPercent:    metrics.GpuPercent,
		VramUsedMB:    metrics.VramUsedMB,
		VramTotalMB:   info.TotalMB,
		VramPercent:   info.Percent,
		GpuTempC:      metrics.GpuTempC,
		PressureLevel: level,
		IsOptimal:     metrics.GpuPercent < 90 && level <= governor.PressureHigh && metrics.GpuTempC < 75,
	}
}

func (d *Detector) resolveTotal() (float64, governor.VramDetectionMethod, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.cachedMB > 0 && now.Sub(d.cachedAt) < d.ttl {
		return d.cachedMB, d.cachedMeth, d.cachedAt
	}

	total, method := d.detect()
	d.cachedMB = total
	d.cachedMeth = method
	d.cachedAt = now
	d.logger.Printf("显存容量探测完成：%0.f MB，方法为%s\n", total, method)
	return total, method, now
}

func (d *Detector) detect() (float64, governor.VramDetectionMethod) {
	if d.probe != nil {
		env, err := d.probe.DetectEnvironment()
		if err == nil && env.AvailableMemoryMB > 0 {
			return env.AvailableMemoryMB, governor.DetectionProbe
		}
		if err != nil {
			d.logger.Printf("硬件探测失败，转入统计估算：%v\n", err)
		}
	}

	if d.sampler != nil {
		total, err := d.estimateFromUsage()
		if err == nil {
			return total, governor.DetectionEstimated
		}
		d.logger.Printf("统计估算失败，使用保底容量：%v\n", err)
	}

	return FallbackCapacityMB, governor.DetectionFallback
}

// estimateFromUsage 采样三次取使用量峰值，与常见容量表匹配
func (d *Detector) estimateFromUsage() (float64, error) {
	peak := float64(0)
	sampled := false
	for i := 0; i < estimationSamples; i++ {
		if i > 0 {
			time.Sleep(d.sampleDelay)
		}
		sample, err := d.sampler.Sample()
		if err != nil {
			continue
		}
		sampled = true
		if sample.MemoryUsedMB > peak {
			peak = sample.MemoryUsedMB
		}
	}
	if !sampled {
		return 0, errors.New("三次采样全部失败")
	}
	if peak <= 0 {
		return 0, errors.New("观测不到任何显存使用量，无法估算")
	}

	return EstimateTotal(peak), nil
}

// EstimateTotal 根据观测到的使用量峰值估算总容量。峰值落在某个常见容量的
// 匹配区间内时取最小的那个容量；否则按2倍使用量向上取整到常见容量。
func EstimateTotal(peakUsedMB float64) float64 {
	for _, size := range commonVramSizesMB {
		if peakUsedMB >= size*matchLowerRatio && peakUsedMB <= size*matchUpperRatio {
			return size
		}
	}

	estimated := peakUsedMB * 2
	for _, size := range commonVramSizesMB {
		if size >= estimated {
			return size
		}
	}
	return commonVramSizesMB[len(commonVramSizesMB)-1]
}
