package profile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/packagewjx/resource-governor/pkg/governor"
)

// ensureExperimentLocked 懒创建游戏的实验配置与指标槽位。调用方持有m.mu。
func (m *Manager) ensureExperimentLocked(game string) *governor.AbTestConfiguration {
	exp, ok := m.experiments[game]
	if !ok {
		exp = &governor.AbTestConfiguration{
			Game: game,
			Variants: []governor.VariantKind{
				governor.VariantConservative,
				governor.VariantDefault,
				governor.VariantAggressive,
			},
			TrafficSplit: m.config.TrafficSplit,
			MinSamples:   m.config.MinSamples,
			StartedAt:    time.Now(),
		}
		m.experiments[game] = exp
		m.metrics[game] = make(map[governor.VariantKind]*governor.AbTestMetrics)
		for _, kind := range exp.Variants {
			m.metrics[game][kind] = &governor.AbTestMetrics{Game: game, Variant: kind}
		}
		m.logger.Printf("为%s创建了A/B实验，变体：%v\n", game, exp.Variants)
	}
	return exp
}

// SelectVariant 为游戏的新会话选择一个变体。每个变体样本量都达标后选
// 当前成功率最高者，否则按流量比例随机，保证各变体都能积累样本。
// 选中的变体在下次调用前保持生效，会话期间不切换。
func (m *Manager) SelectVariant(game string) governor.VariantKind {
	m.awaitInit()

	m.mu.Lock()
	defer m.mu.Unlock()

	exp := m.ensureExperimentLocked(game)

	allSampled := true
	for _, kind := range exp.Variants {
		if m.metrics[game][kind].SampleCount < exp.MinSamples {
			allSampled = false
			break
		}
	}

	var chosen governor.VariantKind
	if allSampled {
		chosen = bestVariantLocked(m.metrics[game], exp.Variants)
	} else {
		chosen = m.weightedRandomLocked(exp)
	}
	m.active[game] = chosen
	return chosen
}

// ActiveVariant 返回游戏当前生效的配置变体
func (m *Manager) ActiveVariant(game string) governor.ConfigurationVariant {
	m.awaitInit()

	m.mu.Lock()
	defer m.mu.Unlock()
	kind, ok := m.active[game]
	if !ok {
		return governor.ConfigurationVariant{Kind: governor.VariantDefault}
	}
	v := governor.ConfigurationVariant{Kind: kind}
	if kind == governor.VariantGameSpecific {
		v.Game = game
	}
	return v
}

// RecordSample 记录一次工作在当前变体下的观测结果
func (m *Manager) RecordSample(game string, success bool, cooldownMs float64, gpuTemp float64, vramPercent float64) {
	m.awaitInit()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureExperimentLocked(game)
	kind, ok := m.active[game]
	if !ok {
		kind = governor.VariantDefault
		m.active[game] = kind
	}
	mt := m.metrics[game][kind]
	if mt == nil {
		mt = &governor.AbTestMetrics{Game: game, Variant: kind}
		m.metrics[game][kind] = mt
	}
	mt.SampleCount++
	if success {
		mt.SuccessCount++
	}
	mt.CooldownMsSum += cooldownMs
	mt.GpuTempSum += gpuTemp
	mt.VramPercentSum += vramPercent
}

// VariantResults 返回游戏各变体的汇总表现，按成功率降序
func (m *Manager) VariantResults(game string) ([]*governor.VariantResult, error) {
	m.awaitInit()

	m.mu.Lock()
	defer m.mu.Unlock()

	byKind, ok := m.metrics[game]
	if !ok {
		return nil, governor.ErrNoActiveExperiment
	}
	results := make([]*governor.VariantResult, 0, len(byKind))
	for _, mt := range byKind {
		results = append(results, &governor.VariantResult{
			Variant:       mt.Variant,
			SampleCount:   mt.SampleCount,
			SuccessRate:   mt.SuccessRate(),
			AvgCooldownMs: mt.AvgCooldownMs(),
			AvgVramUsage:  mt.AvgVramPercent(),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].SuccessRate > results[j].SuccessRate
	})
	return results, nil
}

// KickEvaluate 立即触发一轮评估，评估已在排队时不重复排队
func (m *Manager) KickEvaluate() {
	select {
	case m.evaluateCh <- struct{}{}:
	default:
	}
}

func (m *Manager) evaluateLoop(ctx context.Context) {
	select {
	case <-m.initCh:
	case <-ctx.Done():
		return
	}
	m.logger.Println("A/B评估线程启动")
	tick := time.Tick(m.config.EvaluateInterval)

	for {
		select {
		case <-tick:
		case <-m.evaluateCh:
		case <-ctx.Done():
			m.logger.Println("A/B评估线程结束")
			return
		}
		m.evaluateAll()
	}
}

func (m *Manager) evaluateAll() {
	m.mu.Lock()
	games := make([]string, 0, len(m.experiments))
	for game := range m.experiments {
		games = append(games, game)
	}
	m.mu.Unlock()

	for _, game := range games {
		result, err := m.Evaluate(game)
		if err != nil {
			m.logger.Printf("评估%s的实验出错：%v\n", game, err)
			continue
		}
		if result.IsSignificant {
			m.logger.Printf("%s的实验有显著结论：%s\n", game, result.Recommendation)
		}
	}
}

// Evaluate 比较游戏当前变体与表现最好的其他变体。结论显著且成功率优势
// 超过切换门限时，把后续会话的默认变体切换过去。
func (m *Manager) Evaluate(game string) (*governor.StatisticalTestResult, error) {
	m.awaitInit()

	m.mu.Lock()
	exp, ok := m.experiments[game]
	if !ok {
		m.mu.Unlock()
		return nil, governor.ErrNoActiveExperiment
	}
	current, ok := m.active[game]
	if !ok {
		current = governor.VariantDefault
	}

	var challenger governor.VariantKind
	challengerRate := -1.0
	for _, kind := range exp.Variants {
		if kind == current {
			continue
		}
		if rate := m.metrics[game][kind].SuccessRate(); rate > challengerRate {
			challengerRate = rate
			challenger = kind
		}
	}
	if challenger == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("实验中没有可对比的变体")
	}
	currentMetrics := copyMetrics(m.metrics[game][current])
	challengerMetrics := copyMetrics(m.metrics[game][challenger])
	m.mu.Unlock()

	result := m.analyzer.Compare(currentMetrics, challengerMetrics)

	if result.IsSignificant &&
		challengerMetrics.SuccessRate() >= currentMetrics.SuccessRate()+m.config.SwitchMargin {
		m.mu.Lock()
		m.active[game] = challenger
		m.mu.Unlock()
		m.logger.Printf("%s的变体从%s切换为%s，成功率%.1f%%对%.1f%%\n",
			game, current, challenger,
			challengerMetrics.SuccessRate()*100, currentMetrics.SuccessRate()*100)
	}
	return result, nil
}

func bestVariantLocked(byKind map[governor.VariantKind]*governor.AbTestMetrics, variants []governor.VariantKind) governor.VariantKind {
	best := variants[0]
	bestRate := -1.0
	for _, kind := range variants {
		if rate := byKind[kind].SuccessRate(); rate > bestRate {
			bestRate = rate
			best = kind
		}
	}
	return best
}

func (m *Manager) weightedRandomLocked(exp *governor.AbTestConfiguration) governor.VariantKind {
	sum := float64(0)
	for _, kind := range exp.Variants {
		sum += exp.TrafficSplit[kind]
	}
	if sum <= 0 {
		return governor.VariantDefault
	}
	r := m.rand.Float64() * sum
	for _, kind := range exp.Variants {
		r -= exp.TrafficSplit[kind]
		if r < 0 {
			return kind
		}
	}
	return exp.Variants[len(exp.Variants)-1]
}

func copyMetrics(mt *governor.AbTestMetrics) *governor.AbTestMetrics {
	if mt == nil {
		return &governor.AbTestMetrics{}
	}
	cp := *mt
	return &cp
}
