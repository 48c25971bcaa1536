// Package monitor 提供系统遥测采集。CPU、内存与进程数通过gopsutil获取，
// GPU相关指标来自可选的GPU探测器，探测失败时只降低治理质量，不会报错。
package monitor

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const DefaultSampleInterval = 5 * time.Second

// Monitor 是调度器消费的遥测采集接口
type Monitor interface {
	Initialize() error
	// StartMonitoring 启动后台采样循环，context取消后停止
	StartMonitoring(ctx context.Context)
	GetCurrentMetrics() (*governor.ResourceMetrics, error)
}

type gopsutilMonitor struct {
	sampler        GpuSampler // 可以为nil
	sampleInterval time.Duration
	logger         *log.Logger

	mu   sync.Mutex
	last *governor.ResourceMetrics
}

var _ Monitor = &gopsutilMonitor{}

// NewMonitor 创建默认的监控器。sampler为nil时GPU指标不可用。
func NewMonitor(sampler GpuSampler, sampleInterval time.Duration) Monitor {
	if sampleInterval <= 0 {
		sampleInterval = DefaultSampleInterval
	}
	return &gopsutilMonitor{
		sampler:        sampler,
		sampleInterval: sampleInterval,
		logger:         log.New(os.Stdout, "monitor: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
	}
}

func (m *gopsutilMonitor) Initialize() error {
	// 第一次调用为后续的差值计算建立基线
	_, err := cpu.Percent(0, false)
	if err != nil {
		return errors.Wrap(err, "初始化CPU采样失败")
	}
	_, err = mem.VirtualMemory()
	if err != nil {
		return errors.Wrap(err, "初始化内存采样失败")
	}

	if m.sampler != nil {
		if err := m.sampler.Available(); err != nil {
			m.logger.Printf("GPU采样器不可用，GPU指标将缺失：%v\n", err)
			m.sampler = nil
		}
	}

	return nil
}

func (m *gopsutilMonitor) StartMonitoring(ctx context.Context) {
	go func() {
		m.logger.Println("遥测采样线程启动")
		tickCh := time.Tick(m.sampleInterval)
		for {
			select {
			case <-tickCh:
				metrics, err := m.sample()
				if err != nil {
					m.logger.Printf("采样出错：%v\n", err)
					continue
				}
				m.mu.Lock()
				m.last = metrics
				m.mu.Unlock()
			case <-ctx.Done():
				m.logger.Println("遥测采样线程结束")
				return
			}
		}
	}()
}

func (m *gopsutilMonitor) GetCurrentMetrics() (*governor.ResourceMetrics, error) {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	// 后台循环尚未采到数据时现场采一次
	if last == nil {
		metrics, err := m.sample()
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.last = metrics
		m.mu.Unlock()
		return metrics, nil
	}
	return last, nil
}

func (m *gopsutilMonitor) sample() (*governor.ResourceMetrics, error) {
	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return nil, errors.Wrap(err, "获取CPU使用率失败")
	}
	cpuPercent := float64(0)
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "获取内存使用率失败")
	}

	pids, err := process.Pids()
	if err != nil {
		// 进程数只用于状态展示，拿不到不影响治理
		m.logger.Printf("获取进程列表失败：%v\n", err)
		pids = nil
	}

	metrics := &governor.ResourceMetrics{
		CpuPercent:   cpuPercent,
		MemPercent:   vm.UsedPercent,
		ProcessCount: len(pids),
		Timestamp:    time.Now(),
	}

	if m.sampler != nil {
		gpu, err := m.sampler.Sample()
		if err != nil {
			m.logger.Printf("GPU采样失败：%v\n", err)
		} else {
			metrics.GpuAvailable = true
			metrics.GpuPercent = gpu.UtilizationPercent
			metrics.VramUsedMB = gpu.MemoryUsedMB
			metrics.GpuTempC = gpu.TemperatureC
		}
	}

	return metrics, nil
}
