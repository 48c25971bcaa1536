package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
)

const Splitter = ","

// WriteLoadPatternHeader 输出学习到的负载模式CSV的表头。numBuckets为每个
// 模式输出的分钟桶数量，不足的桶补0。
func WriteLoadPatternHeader(out io.Writer, numBuckets int) error {
	header := make([]string, 7, 7+numBuckets)
	header[0] = "process_name"
	header[1] = "session_count"
	header[2] = "avg_load"
	header[3] = "peak_load"
	header[4] = "peak_offset"
	header[5] = "p50_load"
	header[6] = "p90_load"
	for i := 0; i < numBuckets; i++ {
		header = append(header, fmt.Sprintf("load_%d", i))
	}
	_, err := out.Write([]byte(strings.Join(header, Splitter) + "\n"))
	return err
}

// WriteLoadPatternData 把负载模式按照表头的列顺序输出为CSV记录
func WriteLoadPatternData(out io.Writer, patterns []*governor.GameLoadPattern, numBuckets int) error {
	writer := csv.NewWriter(out)
	defer writer.Flush()

	for i, p := range patterns {
		loads := make([]float64, 0, len(p.Buckets))
		for _, v := range p.Buckets {
			loads = append(loads, v)
		}

		record := make([]string, 7, 7+numBuckets)
		record[0] = p.ProcessName
		record[1] = fmt.Sprintf("%d", p.SessionCount)
		record[2] = fmt.Sprintf("%.2f", p.AvgLoad)
		record[3] = fmt.Sprintf("%.2f", p.PeakLoad)
		record[4] = fmt.Sprintf("%d", p.PeakOffset)
		record[5] = fmt.Sprintf("%.2f", Percentile(loads, 0.5))
		record[6] = fmt.Sprintf("%.2f", Percentile(loads, 0.9))
		for b := 0; b < numBuckets; b++ {
			record = append(record, fmt.Sprintf("%.2f", p.Buckets[b]))
		}
		err := writer.Write(record)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("写入第%d条数据出错", i))
		}
	}

	return nil
}
