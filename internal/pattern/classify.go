package pattern

import (
	"github.com/packagewjx/kmeanspp"
)

// ShapeClassifier 把归一化后的分钟负载序列聚成若干负载形状类别，
// 返回各类中心与每条数据的类别下标。
type ShapeClassifier interface {
	Classify(profiles [][]float64, numClass int) (centers [][]float64, class []int)
}

const DefaultClassifyRound = 30

// NewKMeansClassifier 返回基于kmeans++的实现。round为迭代轮次。
func NewKMeansClassifier(round int) ShapeClassifier {
	if round <= 0 {
		round = DefaultClassifyRound
	}
	return &kMeansClassifier{round: round}
}

type kMeansClassifier struct {
	round int
}

func (k *kMeansClassifier) Classify(profiles [][]float64, numClass int) ([][]float64, []int) {
	// kmeanspp只接受float32
	data := make([][]float32, len(profiles))
	for i, p := range profiles {
		row := make([]float32, len(p))
		for j, v := range p {
			row[j] = float32(v)
		}
		data[i] = row
	}

	centers32, class := kmeanspp.KMeansPP(numClass, k.round, data)

	centers := make([][]float64, len(centers32))
	for i, c := range centers32 {
		row := make([]float64, len(c))
		for j, v := range c {
			row[j] = float64(v)
		}
		centers[i] = row
	}

	return centers, class
}
