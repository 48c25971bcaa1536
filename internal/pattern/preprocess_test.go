package pattern

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImputeMiddleGap(t *testing.T) {
	profile := []float64{10, math.NaN(), math.NaN(), 40}
	Impute().Preprocess(profile)
	assert.InDelta(t, 20, profile[1], 0.001)
	assert.InDelta(t, 30, profile[2], 0.001)
}

func TestImputeLeadingGap(t *testing.T) {
	profile := []float64{math.NaN(), math.NaN(), 30}
	Impute().Preprocess(profile)
	// 左端缺失时沿用第一个有效值
	assert.InDelta(t, 30, profile[0], 0.001)
	assert.InDelta(t, 30, profile[1], 0.001)
}

func TestImputeTrailingGap(t *testing.T) {
	profile := []float64{40, math.NaN(), math.NaN(), math.NaN()}
	Impute().Preprocess(profile)
	// 右端缺失线性衰减到0
	assert.InDelta(t, 30, profile[1], 0.001)
	assert.InDelta(t, 20, profile[2], 0.001)
	assert.InDelta(t, 10, profile[3], 0.001)
}

func TestImputeAllNaN(t *testing.T) {
	profile := []float64{math.NaN(), math.NaN()}
	Impute().Preprocess(profile)
	assert.True(t, math.IsNaN(profile[0]))
	assert.True(t, math.IsNaN(profile[1]))
}

func TestNormalize(t *testing.T) {
	profile := []float64{20, 40, 80}
	Normalize().Preprocess(profile)
	assert.Equal(t, []float64{0.25, 0.5, 1}, profile)
}

func TestNormalizeAllZero(t *testing.T) {
	profile := []float64{0, 0, 0}
	Normalize().Preprocess(profile)
	assert.Equal(t, []float64{0, 0, 0}, profile)
}

func TestDefaultPreprocessor(t *testing.T) {
	profile := []float64{50, math.NaN(), 100}
	DefaultPreprocessor().Preprocess(profile)
	assert.Equal(t, []float64{0.5, 0.75, 1}, profile)
}
