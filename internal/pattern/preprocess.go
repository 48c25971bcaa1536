package pattern

import (
	"math"
)

// Preprocessor 在聚类前对单个游戏的分钟负载序列做就地预处理。
// 序列中NaN表示该分钟桶没有观测数据。
type Preprocessor interface {
	Preprocess(profile []float64)
}

type chainPreprocess struct {
	chain []Preprocessor
}

func (d *chainPreprocess) Preprocess(profile []float64) {
	for _, processor := range d.chain {
		processor.Preprocess(profile)
	}
}

// DefaultPreprocessor 返回插值加归一化的标准预处理链
func DefaultPreprocessor() Preprocessor {
	return &chainPreprocess{chain: []Preprocessor{Impute(), Normalize()}}
}

func Impute() Preprocessor {
	return &imputePreprocessor{}
}

type imputePreprocessor struct {
}

// Preprocess 对NaN区段做线性插值。左端缺失沿用第一个有效值，
// 右端缺失线性衰减到0，整段缺失保持不变。
func (i imputePreprocessor) Preprocess(profile []float64) {
	invalidLeft := -1
	for si := 0; si < len(profile); si++ {
		f := profile[si]
		if math.IsNaN(f) {
			if invalidLeft == -1 {
				invalidLeft = si
			}
			continue
		}

		if invalidLeft != -1 {
			startVal := f
			if invalidLeft != 0 {
				startVal = profile[invalidLeft-1]
			}
			endVal := f

			// 线性填充
			k := (endVal - startVal) / float64(si-invalidLeft+1)
			for j := invalidLeft; j < si; j++ {
				profile[j] = startVal + k*float64(j-(invalidLeft-1))
			}

			invalidLeft = -1
		}
	}

	if invalidLeft > 0 {
		startVal := profile[invalidLeft-1]
		k := (-startVal) / float64(len(profile)-invalidLeft+1)
		for j := invalidLeft; j < len(profile); j++ {
			profile[j] = startVal + k*float64(j-(invalidLeft-1))
		}
	}
}

func Normalize() Preprocessor {
	return &normalizePreprocessor{}
}

type normalizePreprocessor struct {
}

// Preprocess 按最大值归一化到[0,1]，消除不同机器的绝对负载差异
func (n normalizePreprocessor) Preprocess(profile []float64) {
	max := float64(0)
	for _, v := range profile {
		if !math.IsNaN(v) && v > max {
			max = v
		}
	}
	if max == 0 {
		return
	}

	for i := range profile {
		if !math.IsNaN(profile[i]) {
			profile[i] = profile[i] / max
		}
	}
}
