package profile

import (
	"time"

	"github.com/packagewjx/resource-governor/pkg/governor"
)

const DefaultHysteresisTimeoutSeconds = 30

// DefaultProfile 返回一个游戏的出厂配置
func DefaultProfile(processName string) *governor.GameProfile {
	return &governor.GameProfile{
		ProcessName: processName,
		Hysteresis: governor.HysteresisSettings{
			CpuHigh:        85,
			CpuLow:         50,
			MemHigh:        85,
			MemLow:         50,
			GpuHigh:        90,
			GpuLow:         40,
			VramHigh:       90,
			VramLow:        50,
			TimeoutSeconds: DefaultHysteresisTimeoutSeconds,
		},
		Predictive: governor.PredictiveSettings{
			MinCooldownMs: 500,
			MaxCooldownMs: 30000,
			MinSessions:   3,
		},
		Variant:   governor.ConfigurationVariant{Kind: governor.VariantDefault},
		Enabled:   true,
		UpdatedAt: time.Now(),
	}
}

// ApplyVariant 返回按变体调整后的配置副本。保守变体提前降并发并延长
// 冷却，激进变体反之。默认与特定游戏变体使用配置原值。
func ApplyVariant(p *governor.GameProfile, kind governor.VariantKind) *governor.GameProfile {
	cp := *p
	switch kind {
	case governor.VariantConservative:
		cp.Hysteresis.CpuHigh = scaleThreshold(cp.Hysteresis.CpuHigh, 0.9)
		cp.Hysteresis.MemHigh = scaleThreshold(cp.Hysteresis.MemHigh, 0.9)
		cp.Hysteresis.GpuHigh = scaleThreshold(cp.Hysteresis.GpuHigh, 0.9)
		cp.Hysteresis.VramHigh = scaleThreshold(cp.Hysteresis.VramHigh, 0.9)
		cp.Predictive.MinCooldownMs = cp.Predictive.MinCooldownMs * 3 / 2
	case governor.VariantAggressive:
		cp.Hysteresis.CpuHigh = scaleThreshold(cp.Hysteresis.CpuHigh, 1.05)
		cp.Hysteresis.MemHigh = scaleThreshold(cp.Hysteresis.MemHigh, 1.05)
		cp.Hysteresis.GpuHigh = scaleThreshold(cp.Hysteresis.GpuHigh, 1.05)
		cp.Hysteresis.VramHigh = scaleThreshold(cp.Hysteresis.VramHigh, 1.05)
		cp.Hysteresis.TimeoutSeconds = cp.Hysteresis.TimeoutSeconds / 2
		if cp.Hysteresis.TimeoutSeconds < 5 {
			cp.Hysteresis.TimeoutSeconds = 5
		}
	}
	cp.Variant = governor.ConfigurationVariant{Kind: kind}
	if kind == governor.VariantGameSpecific {
		cp.Variant.Game = cp.ProcessName
	}
	return &cp
}

func scaleThreshold(v, ratio float64) float64 {
	v *= ratio
	if v > 95 {
		v = 95
	}
	return v
}
