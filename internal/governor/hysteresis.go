package governor

import (
	"sync"
	"time"

	"github.com/packagewjx/resource-governor/pkg/governor"
)

type adjustDirection int

const (
	adjustHold adjustDirection = iota
	adjustDecrease
	adjustIncrease
)

// hysteresisController 把瞬时资源压力转换为并发调整方向。对压力立即
// 反应，对恢复则要求距上次越过高阈值足够久才放行，避免噪声负载下的
// 来回震荡。
type hysteresisController struct {
	mu       sync.Mutex
	settings governor.HysteresisSettings
	lastHigh time.Time
	now      func() time.Time
}

func newHysteresisController(settings governor.HysteresisSettings) *hysteresisController {
	return &hysteresisController{
		settings: settings,
		now:      time.Now,
	}
}

func (h *hysteresisController) SetSettings(settings governor.HysteresisSettings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = settings
}

func (h *hysteresisController) Settings() governor.HysteresisSettings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

// Evaluate 判定当前应该增减还是保持并发。
// 高负载：任意一个维度越过高阈值，立即要求降并发并记录时刻。
// 低负载：所有维度都低于低阈值，且距上次高负载已超过去抖时间，才允许升并发。
func (h *hysteresisController) Evaluate(sys *governor.ResourceMetrics, gpu *governor.GpuVramMetrics) adjustDirection {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.settings
	now := h.now()

	high := sys.CpuPercent > s.CpuHigh ||
		sys.MemPercent > s.MemHigh ||
		gpu.GpuPercent > s.GpuHigh ||
		gpu.VramPercent > s.VramHigh
	if high {
		h.lastHigh = now
		return adjustDecrease
	}

	low := sys.CpuPercent < s.CpuLow &&
		sys.MemPercent < s.MemLow &&
		gpu.GpuPercent < s.GpuLow &&
		gpu.VramPercent < s.VramLow
	if !low {
		return adjustHold
	}

	timeout := time.Duration(s.TimeoutSeconds) * time.Second
	if !h.lastHigh.IsZero() && now.Sub(h.lastHigh) < timeout {
		return adjustHold
	}
	return adjustIncrease
}
