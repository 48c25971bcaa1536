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
	"os"

	"github.com/packagewjx/resource-governor/internal/pattern"
	"github.com/packagewjx/resource-governor/internal/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const FlagNumBuckets = "buckets"

var numBuckets int

// patternsCmd represents the patterns command
var patternsCmd = &cobra.Command{
	Use:   "patterns dbFile outputFile",
	Short: "把学习到的游戏负载模式导出为CSV文件",
	Long: "读取负载模式数据库，把每个游戏按分钟分桶的负载序列与统计摘要导出为CSV文件，\n" +
		"方便在表格工具里检查学习结果。输出文件为-时写到标准输出。\n",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dao, err := pattern.NewDao(args[0])
		if err != nil {
			return errors.Wrap(err, "打开负载模式数据库失败")
		}

		patterns, err := dao.QueryAllPatterns()
		if err != nil {
			return errors.Wrap(err, "读取负载模式失败")
		}
		if len(patterns) == 0 {
			return fmt.Errorf("数据库中没有任何负载模式")
		}

		out := os.Stdout
		if args[1] != "-" {
			out, err = os.Create(args[1])
			if err != nil {
				return errors.Wrap(err, "创建输出文件失败")
			}
			defer func() {
				_ = out.Close()
			}()
		}

		if err := utils.WriteLoadPatternHeader(out, numBuckets); err != nil {
			return err
		}
		return utils.WriteLoadPatternData(out, patterns, numBuckets)
	},
}

func init() {
	rootCmd.AddCommand(patternsCmd)

	patternsCmd.Flags().IntVarP(&numBuckets, FlagNumBuckets, "b", pattern.DefaultMaxBuckets,
		"导出的分钟桶数量")
}
