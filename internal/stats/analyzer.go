// Package stats 实现A/B实验的显著性检验。p值采用固定临界值查表近似，
// 不做完整的逆CDF计算。
package stats

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/packagewjx/resource-governor/pkg/governor"
)

const DefaultMinSampleSize = 30

// Welch检验的方差无法从累积数据还原，按均值的30%估算，是文档化的简化
const assumedStdDevRatio = 0.3

// 效应量分类边界
const (
	effectSmallBound  = 0.1
	effectMediumBound = 0.3
	effectLargeBound  = 0.6
)

type Analyzer struct {
	minSampleSize int
	logger        *log.Logger
}

func NewAnalyzer(minSampleSize int) *Analyzer {
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}
	return &Analyzer{
		minSampleSize: minSampleSize,
		logger:        log.New(os.Stdout, "stats: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
	}
}

// Compare 比较两个变体的观测数据，判断两者是否有真实差异。
// 本方法不抛出错误：计算过程的任何异常都转化为Error类型的不显著结果。
func (a *Analyzer) Compare(ma, mb *governor.AbTestMetrics) (result *governor.StatisticalTestResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Printf("统计计算出现异常：%v\n", r)
			result = &governor.StatisticalTestResult{
				TestType:       governor.TestError,
				PValue:         1,
				IsSignificant:  false,
				EffectCategory: governor.EffectNone,
				Recommendation: "统计计算出错，维持现状",
			}
		}
	}()

	if ma == nil || mb == nil || ma.SampleCount < a.minSampleSize || mb.SampleCount < a.minSampleSize {
		return &governor.StatisticalTestResult{
			TestType:       governor.TestInsufficientSample,
			PValue:         1,
			IsSignificant:  false,
			EffectCategory: governor.EffectNone,
			Recommendation: fmt.Sprintf("样本量不足（最少需要每个变体%d条），继续收集数据", a.minSampleSize),
		}
	}

	chi2 := chiSquareYates(
		float64(ma.SuccessCount), float64(ma.SampleCount-ma.SuccessCount),
		float64(mb.SuccessCount), float64(mb.SampleCount-mb.SuccessCount))
	p := pValueFromChiSquare(chi2)
	significant := p <= 0.05

	effect := a.effectSize(ma, mb)
	category := effectCategory(effect)
	confidence := 1 - p

	// 成功率差异显著时，进一步用Welch检验比较冷却时间
	if significant {
		welchP := a.welchTTest(ma, mb)
		if welchP <= 0.05 {
			confidence = math.Min(0.99, confidence+0.05)
		}
	}

	return &governor.StatisticalTestResult{
		TestType:       governor.TestChiSquare,
		PValue:         p,
		IsSignificant:  significant,
		EffectSize:     effect,
		EffectCategory: category,
		Recommendation: recommendation(ma, mb, significant, category),
		Confidence:     confidence,
	}
}

// chiSquareYates 计算带Yates连续性校正的2×2卡方统计量。
// a/b为变体一的成功与失败数，c/d为变体二的。
func chiSquareYates(a, b, c, d float64) float64 {
	n := a + b + c + d
	r1 := a + b
	r2 := c + d
	c1 := a + c
	c2 := b + d
	if r1 == 0 || r2 == 0 || c1 == 0 || c2 == 0 {
		return 0
	}

	diff := math.Abs(a*d-b*c) - n/2
	if diff < 0 {
		diff = 0
	}
	return n * diff * diff / (r1 * r2 * c1 * c2)
}

// pValueFromChiSquare 自由度为1的卡方临界值查表
func pValueFromChiSquare(chi2 float64) float64 {
	switch {
	case chi2 >= 10.828:
		return 0.001
	case chi2 >= 7.879:
		return 0.005
	case chi2 >= 6.635:
		return 0.01
	case chi2 >= 5.024:
		return 0.025
	case chi2 >= 3.841:
		return 0.05
	case chi2 >= 2.706:
		return 0.10
	default:
		return 1
	}
}

// welchTTest 对冷却时间均值做不等方差t检验，返回近似p值
func (a *Analyzer) welchTTest(ma, mb *governor.AbTestMetrics) float64 {
	m1 := ma.AvgCooldownMs()
	m2 := mb.AvgCooldownMs()
	n1 := float64(ma.SampleCount)
	n2 := float64(mb.SampleCount)

	v1 := math.Pow(m1*assumedStdDevRatio, 2)
	v2 := math.Pow(m2*assumedStdDevRatio, 2)
	se2 := v1/n1 + v2/n2
	if se2 == 0 {
		return 1
	}

	t := math.Abs(m1-m2) / math.Sqrt(se2)

	// Welch–Satterthwaite自由度近似
	df := se2 * se2 / (math.Pow(v1/n1, 2)/(n1-1) + math.Pow(v2/n2, 2)/(n2-1))
	return pValueFromT(t, df)
}

// pValueFromT 大样本用正态近似临界值，小样本用各自由度段的t临界值
func pValueFromT(t, df float64) float64 {
	if df >= 30 {
		switch {
		case t >= 3.291:
			return 0.001
		case t >= 2.576:
			return 0.01
		case t >= 1.960:
			return 0.05
		case t >= 1.645:
			return 0.10
		default:
			return 1
		}
	}

	var t05, t01 float64
	switch {
	case df >= 20:
		t05, t01 = 2.086, 2.845
	case df >= 10:
		t05, t01 = 2.228, 3.169
	default:
		t05, t01 = 2.571, 4.032
	}

	switch {
	case t >= t01:
		return 0.01
	case t >= t05:
		return 0.05
	default:
		return 1
	}
}

// effectSize 为成功率、冷却时间、显存占用差异的加权组合，上限2.0
func (a *Analyzer) effectSize(ma, mb *governor.AbTestMetrics) float64 {
	success := normalizedDiff(ma.SuccessRate(), mb.SuccessRate())
	cooldown := normalizedDiff(ma.AvgCooldownMs(), mb.AvgCooldownMs())
	vram := normalizedDiff(ma.AvgVramPercent(), mb.AvgVramPercent())

	effect := 0.4*success + 0.4*cooldown + 0.2*vram
	return math.Min(effect, 2.0)
}

func normalizedDiff(x, y float64) float64 {
	max := math.Max(x, y)
	if max <= 0 {
		return 0
	}
	return math.Abs(x-y) / max
}

func effectCategory(effect float64) string {
	switch {
	case effect < effectSmallBound:
		return governor.EffectNone
	case effect < effectMediumBound:
		return governor.EffectSmall
	case effect < effectLargeBound:
		return governor.EffectMedium
	default:
		return governor.EffectLarge
	}
}

func recommendation(ma, mb *governor.AbTestMetrics, significant bool, category string) string {
	if !significant {
		return "两个变体差异不显著，维持现状"
	}
	if category == governor.EffectNone {
		return "差异统计显著但效应量可忽略，维持现状"
	}

	better := ma.Variant
	if mb.SuccessRate() > ma.SuccessRate() {
		better = mb.Variant
	}
	return fmt.Sprintf("差异显著且效应量为%s，建议切换到变体%s", category, better)
}
