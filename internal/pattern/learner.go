// Package pattern 学习每个游戏进程在游玩会话中的负载形状，为预测冷却
// 提供按游戏的历史依据。模式保存在本地数据库中，跨会话积累。
package pattern

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
)

const (
	DefaultMaxBuckets      = 240 // 超过4小时的会话不再细分
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultNumClasses      = 4
)

type LearnerConfig struct {
	MaxBuckets      int           // 每个会话最多记录的分钟桶数
	Retention       time.Duration // 模式保留时间，超过后清理
	CleanupInterval time.Duration
	NumClasses      int // 负载形状类别数
	ClassifyRound   int // 聚类迭代轮次
}

func (c *LearnerConfig) Complete() error {
	if c.MaxBuckets <= 0 {
		c.MaxBuckets = DefaultMaxBuckets
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.NumClasses <= 0 {
		c.NumClasses = DefaultNumClasses
	}
	if c.ClassifyRound <= 0 {
		c.ClassifyRound = DefaultClassifyRound
	}
	if c.Retention < 24*time.Hour {
		return fmt.Errorf("Retention应该至少为1天，现在为%f小时", c.Retention.Hours())
	}
	return nil
}

// Learner 记录并合并按游戏的负载时间序列
type Learner struct {
	config     *LearnerConfig
	dao        Dao // 可以为nil，此时只在内存中学习
	classifier ShapeClassifier
	logger     *log.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	patterns map[string]*governor.GameLoadPattern
	classes  map[string]int
}

type session struct {
	start   time.Time
	samples map[int][]float64 // 分钟桶 -> 本会话观测到的负载
}

func NewLearner(dao Dao, config *LearnerConfig) (*Learner, error) {
	if config == nil {
		config = &LearnerConfig{}
	}
	if err := config.Complete(); err != nil {
		return nil, err
	}

	l := &Learner{
		config:     config,
		dao:        dao,
		classifier: NewKMeansClassifier(config.ClassifyRound),
		logger:     log.New(os.Stdout, "pattern: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
		now:        time.Now,
		sessions:   make(map[string]*session),
		patterns:   make(map[string]*governor.GameLoadPattern),
		classes:    make(map[string]int),
	}

	// 数据库读不出来只损失历史，不阻止启动
	if dao != nil {
		patterns, err := dao.QueryAllPatterns()
		if err != nil {
			l.logger.Printf("读取历史负载模式失败，将从零学习：%v\n", err)
		} else {
			for _, p := range patterns {
				l.patterns[p.ProcessName] = p
			}
			l.logger.Printf("加载了%d个游戏的历史负载模式\n", len(patterns))
		}
	}

	return l, nil
}

// BeginSession 开始记录一个游戏的游玩会话。重复调用会丢弃未结束的旧会话。
func (l *Learner) BeginSession(processName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[processName] = &session{
		start:   l.now(),
		samples: make(map[int][]float64),
	}
}

// RecordSample 向当前会话追加一个负载观测值。没有活跃会话时静默忽略。
func (l *Learner) RecordSample(processName string, load float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[processName]
	if !ok {
		return
	}

	bucket := int(l.now().Sub(s.start).Minutes())
	if bucket >= l.config.MaxBuckets {
		bucket = l.config.MaxBuckets - 1
	}
	s.samples[bucket] = append(s.samples[bucket], load)
}

// EndSession 结束会话，把会话序列合并进该游戏的长期模式并持久化
func (l *Learner) EndSession(processName string) error {
	l.mu.Lock()
	s, ok := l.sessions[processName]
	if ok {
		delete(l.sessions, processName)
	}
	if !ok || len(s.samples) == 0 {
		l.mu.Unlock()
		return nil
	}

	merged := l.merge(processName, s)
	l.patterns[processName] = merged
	l.mu.Unlock()

	if l.dao == nil {
		return nil
	}
	err := l.dao.SavePattern(merged)
	return errors.Wrap(err, fmt.Sprintf("持久化%s的负载模式失败", processName))
}

// merge 按会话数加权合并会话数据与既有模式。调用方持有锁。
func (l *Learner) merge(processName string, s *session) *governor.GameLoadPattern {
	old := l.patterns[processName]

	buckets := make(map[int]float64)
	if old != nil {
		for k, v := range old.Buckets {
			buckets[k] = v
		}
	}

	oldCount := 0
	if old != nil {
		oldCount = old.SessionCount
	}

	for bucket, loads := range s.samples {
		avg := float64(0)
		for _, v := range loads {
			avg += v
		}
		avg /= float64(len(loads))

		if prev, ok := buckets[bucket]; ok && oldCount > 0 {
			buckets[bucket] = (prev*float64(oldCount) + avg) / float64(oldCount+1)
		} else {
			buckets[bucket] = avg
		}
	}

	sum := float64(0)
	peak := float64(0)
	peakOffset := 0
	for bucket, v := range buckets {
		sum += v
		if v > peak {
			peak = v
			peakOffset = bucket
		}
	}

	return &governor.GameLoadPattern{
		ProcessName:  processName,
		Buckets:      buckets,
		AvgLoad:      sum / float64(len(buckets)),
		PeakLoad:     peak,
		PeakOffset:   peakOffset,
		SessionCount: oldCount + 1,
		UpdatedAt:    l.now(),
	}
}

// GetPattern 返回游戏的学习结果副本
func (l *Learner) GetPattern(processName string) (*governor.GameLoadPattern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.patterns[processName]
	if !ok {
		return nil, governor.ErrGameNotFound
	}
	cp := *p
	cp.Buckets = make(map[int]float64, len(p.Buckets))
	for k, v := range p.Buckets {
		cp.Buckets[k] = v
	}
	return &cp, nil
}

// Patterns 返回全部学习结果
func (l *Learner) Patterns() []*governor.GameLoadPattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]*governor.GameLoadPattern, 0, len(l.patterns))
	for _, p := range l.patterns {
		result = append(result, p)
	}
	return result
}

// Reclassify 把所有已学习的游戏按负载形状聚类。模式数量不足类别数时跳过。
func (l *Learner) Reclassify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.patterns) < l.config.NumClasses {
		l.logger.Printf("已学习的游戏数%d少于类别数%d，跳过聚类\n", len(l.patterns), l.config.NumClasses)
		return nil
	}

	names := make([]string, 0, len(l.patterns))
	profiles := make([][]float64, 0, len(l.patterns))
	preprocessor := DefaultPreprocessor()
	for name, p := range l.patterns {
		profile := make([]float64, l.config.MaxBuckets)
		for i := range profile {
			profile[i] = math.NaN()
		}
		for bucket, v := range p.Buckets {
			if bucket < len(profile) {
				profile[bucket] = v
			}
		}
		preprocessor.Preprocess(profile)

		names = append(names, name)
		profiles = append(profiles, profile)
	}

	l.logger.Println("开始执行负载形状聚类")
	_, class := l.classifier.Classify(profiles, l.config.NumClasses)
	if len(class) != len(names) {
		return fmt.Errorf("聚类结果数量%d与输入数量%d不一致", len(class), len(names))
	}

	l.classes = make(map[string]int, len(names))
	for i, name := range names {
		l.classes[name] = class[i]
	}
	l.logger.Printf("聚类完成，共%d个游戏\n", len(names))
	return nil
}

// LoadClass 返回游戏所属的负载形状类别
func (l *Learner) LoadClass(processName string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.classes[processName]
	return c, ok
}

// StartCleanup 启动定期保留清理，context取消后停止
func (l *Learner) StartCleanup(ctx context.Context) {
	go func() {
		l.logger.Println("负载模式清理线程启动")
		tickCh := time.Tick(l.config.CleanupInterval)
		for {
			select {
			case <-tickCh:
				l.cleanup()
			case <-ctx.Done():
				l.logger.Println("负载模式清理线程结束")
				return
			}
		}
	}()
}

func (l *Learner) cleanup() {
	cutoff := l.now().Add(-l.config.Retention)

	l.mu.Lock()
	for name, p := range l.patterns {
		if p.UpdatedAt.Before(cutoff) {
			delete(l.patterns, name)
			delete(l.classes, name)
		}
	}
	l.mu.Unlock()

	if l.dao == nil {
		return
	}
	if err := l.dao.RemovePatternsBefore(cutoff); err != nil {
		l.logger.Printf("清理过期负载模式失败：%v\n", err)
	}
}
