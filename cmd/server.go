/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"log"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/packagewjx/resource-governor/internal/cooldown"
	"github.com/packagewjx/resource-governor/internal/governor"
	"github.com/packagewjx/resource-governor/internal/monitor"
	"github.com/packagewjx/resource-governor/internal/pattern"
	"github.com/packagewjx/resource-governor/internal/profile"
	"github.com/packagewjx/resource-governor/internal/server"
	"github.com/packagewjx/resource-governor/internal/vram"
	"github.com/spf13/cobra"
)

const (
	FlagPort                = "port"
	FlagSampleInterval      = "sample-interval"
	FlagAdjustInterval      = "adjust-interval"
	FlagQueueSize           = "queue-size"
	FlagOcrParallelism      = "ocr-parallelism"
	FlagOcrMaxParallelism   = "ocr-max-parallelism"
	FlagTransParallelism    = "translation-parallelism"
	FlagTransMaxParallelism = "translation-max-parallelism"
	FlagPatternDbFile       = "pattern-db"
	FlagProfileDir          = "profile-dir"
	FlagVramCacheTTL        = "vram-cache-ttl"
	FlagDisableGpu          = "disable-gpu"
)

var (
	port                uint16
	sampleInterval      time.Duration
	adjustInterval      time.Duration
	queueSize           int
	ocrParallelism      int
	ocrMaxParallelism   int
	transParallelism    int
	transMaxParallelism int
	patternDbFile       string
	profileDir          string
	vramCacheTTL        time.Duration
	disableGpu          bool
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "资源调度服务器",
	Long: "本服务器持续监控CPU、内存、GPU与显存的使用情况，根据负载通过迟滞控制调整OCR与\n" +
		"翻译工作的并发度，并在每次翻译调用前按预测模型等待冷却时间。每个游戏的阈值配置\n" +
		"以JSON文件保存（通过profile-dir设置），学习到的负载模式保存在本地数据库中（通过\n" +
		"pattern-db设置）。宿主应用以库的方式嵌入调度器提交工作，HTTP接口用于查询状态、\n" +
		"管理配置与控制游玩会话。\n",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sampler monitor.GpuSampler
		var probe monitor.GpuProbe
		if !disableGpu {
			smi := monitor.NewNvidiaSmiProbe()
			if err := smi.Available(); err == nil {
				sampler = smi
				probe = smi
			} else {
				log.Printf("找不到可用的GPU，GPU相关的调度将被跳过：%v\n", err)
			}
		}

		dao, err := pattern.NewDao(patternDbFile)
		if err != nil {
			// 数据库打不开只损失跨重启的学习结果
			log.Printf("打开负载模式数据库失败，模式只在内存中保留：%v\n", err)
			dao = nil
		}
		learner, err := pattern.NewLearner(dao, nil)
		if err != nil {
			return err
		}
		calculator, err := cooldown.NewCalculator(learner, nil)
		if err != nil {
			return err
		}
		profiles, err := profile.NewManager(nil, &profile.ManagerConfig{Dir: profileDir})
		if err != nil {
			return err
		}

		gov, err := governor.NewGovernor(
			monitor.NewMonitor(sampler, sampleInterval),
			vram.NewDetector(probe, sampler, vramCacheTTL),
			calculator, learner, profiles,
			&governor.Config{
				OcrInitialParallelism:         ocrParallelism,
				OcrMaxParallelism:             ocrMaxParallelism,
				TranslationInitialParallelism: transParallelism,
				TranslationMaxParallelism:     transMaxParallelism,
				QueueSize:                     queueSize,
				AdjustInterval:                adjustInterval,
			})
		if err != nil {
			return err
		}

		srv, err := server.NewServer(gov, profiles, &server.Config{Port: port})
		if err != nil {
			return err
		}
		return srv.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	home, err := homedir.Dir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".resource-governor")

	serverCmd.Flags().Uint16VarP(&port, FlagPort, "p", server.DefaultPort,
		"服务端口号")
	serverCmd.Flags().DurationVar(&sampleInterval, FlagSampleInterval, monitor.DefaultSampleInterval,
		"资源监控采样间隔")
	serverCmd.Flags().DurationVarP(&adjustInterval, FlagAdjustInterval, "i", governor.DefaultAdjustInterval,
		"并发度调整判定的间隔")
	serverCmd.Flags().IntVarP(&queueSize, FlagQueueSize, "q", governor.DefaultQueueSize,
		"OCR与翻译准入队列的长度，队列满后提交方阻塞")
	serverCmd.Flags().IntVar(&ocrParallelism, FlagOcrParallelism, governor.DefaultInitialParallelism,
		"OCR初始并发度，也是负载过高时的下限")
	serverCmd.Flags().IntVar(&ocrMaxParallelism, FlagOcrMaxParallelism, governor.DefaultMaxParallelism,
		"OCR最大并发度")
	serverCmd.Flags().IntVar(&transParallelism, FlagTransParallelism, governor.DefaultInitialParallelism,
		"翻译初始并发度，也是负载过高时的下限")
	serverCmd.Flags().IntVar(&transMaxParallelism, FlagTransMaxParallelism, governor.DefaultMaxParallelism,
		"翻译最大并发度")
	serverCmd.Flags().StringVar(&patternDbFile, FlagPatternDbFile, filepath.Join(dataDir, "patterns.db"),
		"游戏负载模式数据库文件")
	serverCmd.Flags().StringVar(&profileDir, FlagProfileDir, filepath.Join(dataDir, "profiles"),
		"每个游戏的配置文件目录，外部编辑会被热加载")
	serverCmd.Flags().DurationVar(&vramCacheTTL, FlagVramCacheTTL, vram.DefaultCacheTTL,
		"显存容量探测结果的缓存时间")
	serverCmd.Flags().BoolVar(&disableGpu, FlagDisableGpu, false,
		"不探测GPU，只根据CPU与内存调度")
}
