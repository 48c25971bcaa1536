package monitor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// GpuEnvironment 是GPU环境探测器返回的结果
type GpuEnvironment struct {
	AvailableMemoryMB float64
	GpuName           string
}

// GpuProbe 回答"这台机器有什么GPU"。探测失败返回错误，由调用方降级处理。
type GpuProbe interface {
	DetectEnvironment() (*GpuEnvironment, error)
}

// GpuSample 是单次GPU采样结果
type GpuSample struct {
	UtilizationPercent float64
	MemoryUsedMB       float64
	MemoryTotalMB      float64
	TemperatureC       float64
}

// GpuSampler 提供GPU实时指标
type GpuSampler interface {
	Available() error
	Sample() (*GpuSample, error)
}

const nvidiaSmiQuery = "utilization.gpu,memory.used,memory.total,temperature.gpu,name"

// NvidiaSmiProbe 通过nvidia-smi命令行查询GPU。既是探测器也是采样器。
type NvidiaSmiProbe struct {
	// 测试时替换为假命令输出
	runQuery func() (string, error)
}

var _ GpuProbe = &NvidiaSmiProbe{}
var _ GpuSampler = &NvidiaSmiProbe{}

func NewNvidiaSmiProbe() *NvidiaSmiProbe {
	return &NvidiaSmiProbe{
		runQuery: func() (string, error) {
			out, err := exec.Command("nvidia-smi",
				"--query-gpu="+nvidiaSmiQuery,
				"--format=csv,noheader,nounits").Output()
			if err != nil {
				return "", errors.Wrap(err, "执行nvidia-smi失败")
			}
			return string(out), nil
		},
	}
}

func (p *NvidiaSmiProbe) Available() error {
	_, err := p.runQuery()
	return err
}

func (p *NvidiaSmiProbe) DetectEnvironment() (*GpuEnvironment, error) {
	sample, name, err := p.query()
	if err != nil {
		return nil, err
	}
	return &GpuEnvironment{
		AvailableMemoryMB: sample.MemoryTotalMB,
		GpuName:           name,
	}, nil
}

func (p *NvidiaSmiProbe) Sample() (*GpuSample, error) {
	sample, _, err := p.query()
	return sample, err
}

func (p *NvidiaSmiProbe) query() (*GpuSample, string, error) {
	out, err := p.runQuery()
	if err != nil {
		return nil, "", err
	}
	return parseNvidiaSmiOutput(out)
}

// parseNvidiaSmiOutput 解析nvidia-smi的csv,noheader,nounits输出。
// 多GPU机器只取第一行。
func parseNvidiaSmiOutput(out string) (*GpuSample, string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, "", fmt.Errorf("nvidia-smi没有输出任何GPU")
	}

	fields := strings.Split(lines[0], ",")
	if len(fields) < 5 {
		return nil, "", fmt.Errorf("nvidia-smi输出字段不足，输出为：%s", lines[0])
	}

	nums := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return nil, "", errors.Wrap(err, fmt.Sprintf("解析第%d个字段失败", i))
		}
		nums[i] = v
	}

	return &GpuSample{
		UtilizationPercent: nums[0],
		MemoryUsedMB:       nums[1],
		MemoryTotalMB:      nums[2],
		TemperatureC:       nums[3],
	}, strings.TrimSpace(fields[4]), nil
}
