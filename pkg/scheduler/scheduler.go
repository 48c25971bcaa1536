// Package scheduler 面向进程内嵌入的宿主应用，一步构建完整的资源治理
// 调度器。宿主通过返回的Governor提交OCR与翻译工作、回报冷却效果以及
// 控制游玩会话，不需要经过HTTP服务器。
package scheduler

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/packagewjx/resource-governor/internal/cooldown"
	core "github.com/packagewjx/resource-governor/internal/governor"
	"github.com/packagewjx/resource-governor/internal/monitor"
	"github.com/packagewjx/resource-governor/internal/pattern"
	"github.com/packagewjx/resource-governor/internal/profile"
	"github.com/packagewjx/resource-governor/internal/vram"
	"github.com/packagewjx/resource-governor/pkg/governor"
)

const (
	patternDbFileName = "patterns.db"
	profileDirName    = "profiles"
)

type Config struct {
	// DataDir 是负载模式数据库与配置文件的存放目录，默认为
	// ~/.resource-governor
	DataDir string
	// DisableGpu 为true时不探测GPU，只根据CPU与内存调度
	DisableGpu     bool
	SampleInterval time.Duration
	VramCacheTTL   time.Duration

	OcrInitialParallelism         int
	OcrMaxParallelism             int
	TranslationInitialParallelism int
	TranslationMaxParallelism     int
	QueueSize                     int
	AdjustInterval                time.Duration
}

func (c *Config) Complete() error {
	if c.DataDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("解析用户目录失败：%v", err)
		}
		c.DataDir = filepath.Join(home, ".resource-governor")
	}
	return nil
}

// New 按配置组装监控、显存探测、冷却计算、负载学习与按游戏配置，
// 返回完整的调度器。并发度等零值字段使用各组件的默认值。
func New(config *Config) (governor.Governor, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Complete(); err != nil {
		return nil, err
	}
	logger := log.New(os.Stdout, "scheduler: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix)
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		logger.Printf("创建数据目录失败：%v\n", err)
	}

	var sampler monitor.GpuSampler
	var probe monitor.GpuProbe
	if !config.DisableGpu {
		smi := monitor.NewNvidiaSmiProbe()
		if err := smi.Available(); err == nil {
			sampler = smi
			probe = smi
		} else {
			logger.Printf("找不到可用的GPU，GPU相关的调度将被跳过：%v\n", err)
		}
	}

	dao, err := pattern.NewDao(filepath.Join(config.DataDir, patternDbFileName))
	if err != nil {
		// 数据库打不开只损失跨重启的学习结果
		logger.Printf("打开负载模式数据库失败，模式只在内存中保留：%v\n", err)
		dao = nil
	}
	learner, err := pattern.NewLearner(dao, nil)
	if err != nil {
		return nil, err
	}
	calculator, err := cooldown.NewCalculator(learner, nil)
	if err != nil {
		return nil, err
	}
	profiles, err := profile.NewManager(nil, &profile.ManagerConfig{
		Dir: filepath.Join(config.DataDir, profileDirName),
	})
	if err != nil {
		return nil, err
	}

	return core.NewGovernor(
		monitor.NewMonitor(sampler, config.SampleInterval),
		vram.NewDetector(probe, sampler, config.VramCacheTTL),
		calculator, learner, profiles,
		&core.Config{
			OcrInitialParallelism:         config.OcrInitialParallelism,
			OcrMaxParallelism:             config.OcrMaxParallelism,
			TranslationInitialParallelism: config.TranslationInitialParallelism,
			TranslationMaxParallelism:     config.TranslationMaxParallelism,
			QueueSize:                     config.QueueSize,
			AdjustInterval:                config.AdjustInterval,
		})
}
