// Package governor 实现资源治理调度器。它把资源监控、显存探测、冷却
// 计算、负载模式学习与按游戏配置组合起来，对OCR与翻译两类工作做准入
// 控制与并发度动态调整。
package governor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/packagewjx/resource-governor/internal/cooldown"
	"github.com/packagewjx/resource-governor/internal/monitor"
	"github.com/packagewjx/resource-governor/internal/pattern"
	"github.com/packagewjx/resource-governor/internal/profile"
	"github.com/packagewjx/resource-governor/internal/vram"
	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
)

const (
	DefaultInitialParallelism = 2
	DefaultMaxParallelism     = 4
	DefaultQueueSize          = 50
	DefaultAdjustInterval     = 5 * time.Second
)

type Config struct {
	OcrInitialParallelism         int
	OcrMaxParallelism             int
	TranslationInitialParallelism int
	TranslationMaxParallelism     int
	QueueSize                     int
	AdjustInterval                time.Duration
}

func (c *Config) Complete() error {
	if c.OcrInitialParallelism == 0 {
		c.OcrInitialParallelism = DefaultInitialParallelism
	}
	if c.OcrMaxParallelism == 0 {
		c.OcrMaxParallelism = DefaultMaxParallelism
	}
	if c.TranslationInitialParallelism == 0 {
		c.TranslationInitialParallelism = DefaultInitialParallelism
	}
	if c.TranslationMaxParallelism == 0 {
		c.TranslationMaxParallelism = DefaultMaxParallelism
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.AdjustInterval == 0 {
		c.AdjustInterval = DefaultAdjustInterval
	}

	if c.OcrInitialParallelism < 1 || c.TranslationInitialParallelism < 1 {
		return fmt.Errorf("初始并发度必须至少为1")
	}
	if c.OcrMaxParallelism < c.OcrInitialParallelism {
		return fmt.Errorf("OCR最大并发度不能小于初始并发度")
	}
	if c.TranslationMaxParallelism < c.TranslationInitialParallelism {
		return fmt.Errorf("翻译最大并发度不能小于初始并发度")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("队列长度必须至少为1")
	}
	return nil
}

type resourceGovernor struct {
	config     *Config
	monitor    monitor.Monitor
	detector   *vram.Detector
	calculator *cooldown.Calculator
	learner    *pattern.Learner
	profiles   *profile.Manager
	logger     *log.Logger

	ocrGate          *gate
	translationGate  *gate
	ocrQueue         *admissionQueue
	translationQueue *admissionQueue
	hysteresis       *hysteresisController

	// 串行化调整，避免监控线程与手动触发互相踩踏
	adjustMu     sync.Mutex
	lastAdjusted time.Time

	mu            sync.Mutex
	currentGame   string
	activeProfile *governor.GameProfile
}

var _ governor.Governor = &resourceGovernor{}

func NewGovernor(mon monitor.Monitor, detector *vram.Detector, calculator *cooldown.Calculator,
	learner *pattern.Learner, profiles *profile.Manager, config *Config) (governor.Governor, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Complete(); err != nil {
		return nil, err
	}

	g := &resourceGovernor{
		config:           config,
		monitor:          mon,
		detector:         detector,
		calculator:       calculator,
		learner:          learner,
		profiles:         profiles,
		logger:           log.New(os.Stdout, "governor: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
		ocrGate:          newGate(config.OcrInitialParallelism),
		translationGate:  newGate(config.TranslationInitialParallelism),
		ocrQueue:         newAdmissionQueue(config.QueueSize),
		translationQueue: newAdmissionQueue(config.QueueSize),
		hysteresis:       newHysteresisController(profile.DefaultProfile("").Hysteresis),
	}
	return g, nil
}

func (g *resourceGovernor) Initialize() error {
	return errors.Wrap(g.monitor.Initialize(), "初始化资源监控失败")
}

func (g *resourceGovernor) Start(ctx context.Context) {
	g.monitor.StartMonitoring(ctx)
	g.profiles.Start(ctx)
	g.learner.StartCleanup(ctx)
	go g.adjustLoop(ctx)
}

func (g *resourceGovernor) adjustLoop(ctx context.Context) {
	g.logger.Println("并发度调整线程启动")
	tick := time.Tick(g.config.AdjustInterval)

	for {
		select {
		case <-tick:
			g.feedLearner()
			g.AdjustParallelism()
		case <-ctx.Done():
			g.logger.Println("并发度调整线程结束")
			return
		}
	}
}

// feedLearner 把当前负载样本喂给前台游戏的负载模式学习器
func (g *resourceGovernor) feedLearner() {
	g.mu.Lock()
	game := g.currentGame
	g.mu.Unlock()
	if game == "" {
		return
	}

	metrics, err := g.monitor.GetCurrentMetrics()
	if err != nil {
		return
	}
	load := metrics.CpuPercent
	if metrics.GpuAvailable && metrics.GpuPercent > load {
		load = metrics.GpuPercent
	}
	g.learner.RecordSample(game, load)
}

func (g *resourceGovernor) ProcessOcr(ctx context.Context, req *governor.ProcessingRequest, work governor.WorkFunc) error {
	if req == nil {
		return fmt.Errorf("请求不能为空")
	}
	completeRequest(req)

	if err := g.ocrQueue.Put(ctx, req); err != nil {
		return errors.Wrap(err, "OCR请求排队失败")
	}
	defer g.ocrQueue.Done()

	release, err := g.ocrGate.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "等待OCR并发额度失败")
	}
	defer release()

	return work(ctx)
}

func (g *resourceGovernor) ProcessTranslation(ctx context.Context, req *governor.TranslationRequest, work governor.WorkFunc) error {
	if req == nil {
		return fmt.Errorf("请求不能为空")
	}
	completeRequest(&req.ProcessingRequest)

	applied := g.waitCooldown(ctx, req.Game)
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "冷却等待期间请求被取消")
	}

	if err := g.translationQueue.Put(ctx, &req.ProcessingRequest); err != nil {
		return errors.Wrap(err, "翻译请求排队失败")
	}
	defer g.translationQueue.Done()

	release, err := g.translationGate.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "等待翻译并发额度失败")
	}
	defer release()

	err = work(ctx)
	g.recordAbSample(req.Game, err == nil, applied)
	return err
}

// effectiveProfile 返回游戏当前生效的配置。前台游戏使用变体调整后的
// 配置，其他游戏使用落盘配置。
func (g *resourceGovernor) effectiveProfile(game string) *governor.GameProfile {
	g.mu.Lock()
	p := g.activeProfile
	current := g.currentGame
	g.mu.Unlock()

	if p != nil && current == game {
		cp := *p
		return &cp
	}
	return g.profiles.GetProfile(game)
}

// waitCooldown 按预测冷却时间等待，返回实际应用的冷却时长
func (g *resourceGovernor) waitCooldown(ctx context.Context, game string) time.Duration {
	p := g.effectiveProfile(game)
	if !p.Enabled {
		return 0
	}

	sys, err := g.monitor.GetCurrentMetrics()
	if err != nil {
		g.logger.Printf("读取监控数据失败，本次不做冷却等待：%v\n", err)
		return 0
	}
	gpu := g.detector.GpuVramMetrics(sys)
	d := g.calculator.Compute(game, sys, gpu)

	min := time.Duration(p.Predictive.MinCooldownMs) * time.Millisecond
	max := time.Duration(p.Predictive.MaxCooldownMs) * time.Millisecond
	if max > 0 && d > max {
		d = max
	}
	if d < min {
		d = min
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	return d
}

func (g *resourceGovernor) recordAbSample(game string, success bool, applied time.Duration) {
	if game == "" {
		return
	}
	temp, vramPercent := float64(0), float64(0)
	if sys, err := g.monitor.GetCurrentMetrics(); err == nil {
		gpu := g.detector.GpuVramMetrics(sys)
		temp, vramPercent = gpu.GpuTempC, gpu.VramPercent
	}
	g.profiles.RecordSample(game, success, float64(applied.Milliseconds()), temp, vramPercent)
}

// AdjustParallelism 根据当前负载与迟滞判定调整两个并发闸门。高负载立即
// 降并发，先降翻译再降OCR；低负载且超过去抖时间后升并发，先升OCR。
// 读取监控失败时按保守负载处理，不会因此把并发调高。
func (g *resourceGovernor) AdjustParallelism() {
	g.adjustMu.Lock()
	defer g.adjustMu.Unlock()

	sys, err := g.monitor.GetCurrentMetrics()
	if err != nil {
		g.logger.Printf("读取监控数据失败，按保守负载处理：%v\n", err)
		sys = &governor.ResourceMetrics{
			CpuPercent: 50,
			MemPercent: 50,
			Timestamp:  time.Now(),
		}
	}
	gpu := g.detector.GpuVramMetrics(sys)

	switch g.hysteresis.Evaluate(sys, gpu) {
	case adjustDecrease:
		g.decrease()
	case adjustIncrease:
		g.increase()
	}

	g.mu.Lock()
	g.lastAdjusted = time.Now()
	g.mu.Unlock()
}

func (g *resourceGovernor) decrease() {
	if c := g.translationGate.Capacity(); c > g.config.TranslationInitialParallelism {
		g.translationGate.Resize(c - 1)
		g.logger.Printf("负载过高，翻译并发度降为%d\n", c-1)
		return
	}
	if c := g.ocrGate.Capacity(); c > g.config.OcrInitialParallelism {
		g.ocrGate.Resize(c - 1)
		g.logger.Printf("负载过高，OCR并发度降为%d\n", c-1)
	}
}

func (g *resourceGovernor) increase() {
	if c := g.ocrGate.Capacity(); c < g.config.OcrMaxParallelism {
		g.ocrGate.Resize(c + 1)
		g.logger.Printf("负载回落，OCR并发度升为%d\n", c+1)
		return
	}
	if c := g.translationGate.Capacity(); c < g.config.TranslationMaxParallelism {
		g.translationGate.Resize(c + 1)
		g.logger.Printf("负载回落，翻译并发度升为%d\n", c+1)
	}
}

func (g *resourceGovernor) GetCurrentResourceStatus() *governor.ResourceStatus {
	status := &governor.ResourceStatus{
		OcrParallelism:         g.ocrGate.Capacity(),
		TranslationParallelism: g.translationGate.Capacity(),
		OcrQueueLength:         g.ocrQueue.Len(),
		TranslationQueueLength: g.translationQueue.Len(),
	}
	g.mu.Lock()
	status.AdjustedAt = g.lastAdjusted
	g.mu.Unlock()

	sys, err := g.monitor.GetCurrentMetrics()
	if err != nil {
		g.logger.Printf("读取监控数据失败，状态快照不含资源数据：%v\n", err)
		return status
	}
	status.Metrics = *sys
	status.Gpu = *g.detector.GpuVramMetrics(sys)
	return status
}

func (g *resourceGovernor) ApplyGameProfile(processName string) error {
	if processName == "" {
		return fmt.Errorf("进程名不能为空")
	}

	kind := g.profiles.SelectVariant(processName)
	p := profile.ApplyVariant(g.profiles.GetProfile(processName), kind)
	g.hysteresis.SetSettings(p.Hysteresis)

	g.mu.Lock()
	previous := g.currentGame
	g.currentGame = processName
	g.activeProfile = p
	g.mu.Unlock()

	if previous != "" && previous != processName {
		if err := g.learner.EndSession(previous); err != nil {
			g.logger.Printf("结束%s的学习会话失败：%v\n", previous, err)
		}
	}
	g.learner.BeginSession(processName)
	g.logger.Printf("应用了%s的配置，变体为%s\n", processName, kind)
	return nil
}

func (g *resourceGovernor) EndGameSession(processName string) error {
	g.mu.Lock()
	if g.currentGame != processName {
		current := g.currentGame
		g.mu.Unlock()
		g.logger.Printf("请求结束%s的会话，但当前前台游戏为%q\n", processName, current)
		return governor.ErrNoActiveSession
	}
	g.currentGame = ""
	g.activeProfile = nil
	g.mu.Unlock()

	g.hysteresis.SetSettings(profile.DefaultProfile("").Hysteresis)
	return errors.Wrap(g.learner.EndSession(processName), "结束学习会话失败")
}

func (g *resourceGovernor) GetActiveConfigurationVariant(game string) governor.ConfigurationVariant {
	return g.profiles.ActiveVariant(game)
}

func (g *resourceGovernor) DetectAndResolveConflicts() []string {
	return g.profiles.DetectAndResolveConflicts()
}

func (g *resourceGovernor) ReportCooldownEffectiveness(game string, applied time.Duration, effective bool) {
	g.calculator.ReportEffectiveness(game, applied, effective)
}

func completeRequest(req *governor.ProcessingRequest) {
	if req.Id == "" {
		req.Id = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
}
