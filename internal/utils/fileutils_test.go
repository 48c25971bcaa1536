package utils

import (
	"strings"
	"testing"

	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/stretchr/testify/assert"
)

func TestWriteLoadPattern(t *testing.T) {
	builder := &strings.Builder{}
	err := WriteLoadPatternHeader(builder, 2)
	assert.NoError(t, err)
	assert.Equal(t, "process_name,session_count,avg_load,peak_load,peak_offset,p50_load,p90_load,load_0,load_1\n",
		builder.String())

	builder.Reset()
	patterns := []*governor.GameLoadPattern{
		{
			ProcessName:  "game.exe",
			Buckets:      map[int]float64{0: 10.5, 1: 20.25},
			AvgLoad:      15.375,
			PeakLoad:     20.25,
			PeakOffset:   1,
			SessionCount: 3,
		},
	}
	err = WriteLoadPatternData(builder, patterns, 2)
	assert.NoError(t, err)
	assert.Equal(t, "game.exe,3,15.38,20.25,1,10.50,10.50,10.50,20.25\n", builder.String())
}

func TestWriteLoadPatternPercentiles(t *testing.T) {
	builder := &strings.Builder{}
	patterns := []*governor.GameLoadPattern{
		{
			ProcessName:  "game.exe",
			Buckets:      map[int]float64{0: 10, 1: 20, 2: 30, 3: 40, 4: 50},
			AvgLoad:      30,
			PeakLoad:     50,
			PeakOffset:   4,
			SessionCount: 1,
		},
	}
	err := WriteLoadPatternData(builder, patterns, 0)
	assert.NoError(t, err)
	// 5个桶的中位数为30，90分位取排序后第int(0.9*4)=3个值40
	assert.Equal(t, "game.exe,1,30.00,50.00,4,30.00,40.00\n", builder.String())
}
