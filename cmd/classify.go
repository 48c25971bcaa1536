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
	"fmt"
	"sort"

	"github.com/packagewjx/resource-governor/internal/pattern"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	FlagNumClasses    = "class"
	FlagClassifyRound = "round"
)

var (
	numClasses    int
	classifyRound int
)

// classifyCmd represents the classify command
var classifyCmd = &cobra.Command{
	Use:   "classify dbFile",
	Short: "对数据库中的负载模式聚类，输出每个游戏所属的负载形状类别",
	Long: "读取负载模式数据库，把所有游戏的负载形状用K-Means聚类，打印每个游戏属于\n" +
		"哪个类别。负载形状相近的游戏会共享学习成果，新游戏可以直接套用同类游戏的经验。\n",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dao, err := pattern.NewDao(args[0])
		if err != nil {
			return errors.Wrap(err, "打开负载模式数据库失败")
		}

		learner, err := pattern.NewLearner(dao, &pattern.LearnerConfig{
			NumClasses:    numClasses,
			ClassifyRound: classifyRound,
		})
		if err != nil {
			return err
		}
		if err := learner.Reclassify(); err != nil {
			return errors.Wrap(err, "聚类失败")
		}

		patterns := learner.Patterns()
		sort.Slice(patterns, func(i, j int) bool {
			return patterns[i].ProcessName < patterns[j].ProcessName
		})
		for _, p := range patterns {
			class, ok := learner.LoadClass(p.ProcessName)
			if !ok {
				continue
			}
			fmt.Printf("%s: 类别%d，平均负载%.2f，峰值负载%.2f\n",
				p.ProcessName, class, p.AvgLoad, p.PeakLoad)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().IntVarP(&numClasses, FlagNumClasses, "c", pattern.DefaultNumClasses,
		"聚类类别数量")
	classifyCmd.Flags().IntVarP(&classifyRound, FlagClassifyRound, "r", pattern.DefaultClassifyRound,
		"聚类迭代轮次")
}
