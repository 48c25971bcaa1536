package utils

import (
	"math"
)

// GetSortedPositionValue 返回arr排序后处于pos位置的值，使用快速选择，
// 过程中会改变arr的元素顺序。pos越界时返回NaN。
func GetSortedPositionValue(arr []float64, pos int) float64 {
	if pos < 0 || pos >= len(arr) {
		return math.NaN()
	}

	l := 0
	r := len(arr) - 1
	for idx := Partition(arr, l, r); idx != pos && l+1 < r; idx = Partition(arr, l, r) {
		if idx < pos {
			l = idx + 1
		} else if idx > pos {
			r = idx - 1
		}
	}

	return arr[pos]
}

func Partition(arr []float64, l, r int) int {
	slice := arr[l : r+1]

	if len(slice) == 0 {
		return 0
	}
	m := len(slice) / 2
	temp := slice[0]
	slice[0] = slice[m]
	slice[m] = temp
	pivot := slice[0]

	i := 0
	j := len(slice) - 1

	for i < j {
		for i < j && slice[j] > pivot {
			j--
		}
		slice[i] = slice[j]

		for i < j && slice[i] <= pivot {
			i++
		}
		slice[j] = slice[i]
	}
	slice[i] = pivot

	return l + i
}

// Percentile 返回arr的p分位数，p取值[0,1]。arr为空时返回NaN。
func Percentile(arr []float64, p float64) float64 {
	if len(arr) == 0 {
		return math.NaN()
	}
	cp := make([]float64, len(arr))
	copy(cp, arr)
	pos := int(p * float64(len(cp)-1))
	return GetSortedPositionValue(cp, pos)
}

func Mean(arr []float64) float64 {
	if len(arr) == 0 {
		return 0
	}
	sum := float64(0)
	for _, v := range arr {
		sum += v
	}
	return sum / float64(len(arr))
}

func StdDev(arr []float64) float64 {
	if len(arr) < 2 {
		return 0
	}
	mean := Mean(arr)
	sum := float64(0)
	for _, v := range arr {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(arr)-1))
}

// CoefficientOfVariation 返回变异系数。均值为0时返回0，避免除零。
func CoefficientOfVariation(arr []float64) float64 {
	mean := Mean(arr)
	if mean == 0 {
		return 0
	}
	return StdDev(arr) / mean
}

// Clamp 把v限制在[min, max]之间
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
