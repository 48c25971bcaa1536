// Package profile 管理按游戏持久化的治理配置：懒创建、JSON文件持久化、
// 外部编辑热加载，以及按游戏自动调参的A/B实验。
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/packagewjx/resource-governor/internal/stats"
	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
)

const (
	DefaultEvaluateInterval = 5 * time.Minute
	DefaultInitTimeout      = 2 * time.Second
	DefaultDebounceDelay    = 200 * time.Millisecond
	DefaultMinSamples       = 30

	// 切换变体所需的最小成功率优势，防止在边缘噪声上来回切换
	DefaultSwitchMargin = 0.05

	profileFileSuffix = ".json"
)

type ManagerConfig struct {
	Dir              string // 配置文件目录，默认为~/.resource-governor/profiles
	EvaluateInterval time.Duration
	InitTimeout      time.Duration
	DebounceDelay    time.Duration
	MinSamples       int
	SwitchMargin     float64
	TrafficSplit     map[governor.VariantKind]float64
}

func (c *ManagerConfig) Complete() error {
	if c.Dir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return errors.Wrap(err, "解析用户目录失败")
		}
		c.Dir = filepath.Join(home, ".resource-governor", "profiles")
	}
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = DefaultEvaluateInterval
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = DefaultDebounceDelay
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.SwitchMargin <= 0 {
		c.SwitchMargin = DefaultSwitchMargin
	}
	if c.TrafficSplit == nil {
		c.TrafficSplit = map[governor.VariantKind]float64{
			governor.VariantConservative: 0.25,
			governor.VariantDefault:      0.5,
			governor.VariantAggressive:   0.25,
		}
	}

	sum := float64(0)
	for _, w := range c.TrafficSplit {
		if w < 0 {
			return fmt.Errorf("流量比例不能为负数")
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("流量比例总和必须大于0")
	}
	return nil
}

// Manager 是按游戏配置的生命周期管理器。构造函数立即返回，初始化在
// 后台完成；所有公开方法等待初始化最多InitTimeout，超时后按默认值
// 继续工作而不是卡住调用方。
type Manager struct {
	config   *ManagerConfig
	analyzer *stats.Analyzer
	logger   *log.Logger
	rand     *rand.Rand

	initCh  chan struct{} // 初始化完成后关闭
	initErr error

	mu          sync.Mutex
	profiles    map[string]*governor.GameProfile
	experiments map[string]*governor.AbTestConfiguration
	metrics     map[string]map[governor.VariantKind]*governor.AbTestMetrics
	active      map[string]governor.VariantKind

	evaluateCh chan struct{}
	watcher    *fsnotify.Watcher
}

func NewManager(analyzer *stats.Analyzer, config *ManagerConfig) (*Manager, error) {
	if config == nil {
		config = &ManagerConfig{}
	}
	if err := config.Complete(); err != nil {
		return nil, err
	}
	if analyzer == nil {
		analyzer = stats.NewAnalyzer(config.MinSamples)
	}

	m := &Manager{
		config:      config,
		analyzer:    analyzer,
		logger:      log.New(os.Stdout, "profile: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		initCh:      make(chan struct{}),
		profiles:    make(map[string]*governor.GameProfile),
		experiments: make(map[string]*governor.AbTestConfiguration),
		metrics:     make(map[string]map[governor.VariantKind]*governor.AbTestMetrics),
		active:      make(map[string]governor.VariantKind),
		evaluateCh:  make(chan struct{}, 1),
	}

	// 初始化不阻塞构造方
	go m.initialize()

	return m, nil
}

func (m *Manager) initialize() {
	defer close(m.initCh)

	err := os.MkdirAll(m.config.Dir, 0755)
	if err != nil {
		m.initErr = errors.Wrap(err, "创建配置目录失败")
		m.logger.Printf("初始化失败，将只使用内存中的默认配置：%v\n", m.initErr)
		return
	}

	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		m.initErr = errors.Wrap(err, "读取配置目录失败")
		m.logger.Printf("初始化失败，将只使用内存中的默认配置：%v\n", m.initErr)
		return
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), profileFileSuffix) {
			continue
		}
		p, err := readProfileFile(filepath.Join(m.config.Dir, entry.Name()))
		if err != nil {
			m.logger.Printf("读取配置文件%s失败，跳过：%v\n", entry.Name(), err)
			continue
		}
		m.mu.Lock()
		m.profiles[p.ProcessName] = p
		m.mu.Unlock()
		loaded++
	}
	m.logger.Printf("配置初始化完成，加载了%d个游戏的配置\n", loaded)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Printf("创建文件监视器失败，外部编辑将不会热加载：%v\n", err)
		return
	}
	if err := watcher.Add(m.config.Dir); err != nil {
		m.logger.Printf("监视配置目录失败：%v\n", err)
		_ = watcher.Close()
		return
	}
	m.watcher = watcher
}

// awaitInit 等待初始化完成，超时后放行，让调用方用默认值继续
func (m *Manager) awaitInit() {
	select {
	case <-m.initCh:
	case <-time.After(m.config.InitTimeout):
		m.logger.Println("等待初始化超时，按默认配置继续")
	}
}

// Start 启动文件热加载与定期A/B评估，context取消后停止
func (m *Manager) Start(ctx context.Context) {
	go m.watchLoop(ctx)
	go m.evaluateLoop(ctx)
}

// GetProfile 返回游戏的配置副本，不存在时懒创建默认配置并落盘
func (m *Manager) GetProfile(processName string) *governor.GameProfile {
	m.awaitInit()

	m.mu.Lock()
	p, ok := m.profiles[processName]
	if !ok {
		p = DefaultProfile(processName)
		m.profiles[processName] = p
		m.mu.Unlock()
		if err := m.persist(p); err != nil {
			m.logger.Printf("持久化%s的默认配置失败：%v\n", processName, err)
		}
		m.mu.Lock()
	}
	cp := *p
	m.mu.Unlock()
	return &cp
}

// UpdateProfile 更新并落盘一个游戏的配置
func (m *Manager) UpdateProfile(p *governor.GameProfile) error {
	if p == nil || p.ProcessName == "" {
		return fmt.Errorf("配置的ProcessName不能为空")
	}
	m.awaitInit()

	p.UpdatedAt = time.Now()
	cp := *p
	m.mu.Lock()
	m.profiles[p.ProcessName] = &cp
	m.mu.Unlock()

	return m.persist(&cp)
}

func (m *Manager) persist(p *governor.GameProfile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "序列化配置失败")
	}
	path := m.profilePath(p.ProcessName)
	err = os.WriteFile(path, data, 0644)
	return errors.Wrap(err, fmt.Sprintf("写入配置文件%s失败", path))
}

func (m *Manager) profilePath(processName string) string {
	// 进程名直接作为文件名，只替换路径分隔符
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(processName)
	return filepath.Join(m.config.Dir, name+profileFileSuffix)
}

// watchLoop 监听配置目录的外部修改。写入事件延迟去抖后重读，避免读到
// 写了一半的文件；删除事件把对应游戏的配置移出内存。后台线程不受
// InitTimeout约束，必须等初始化真正完成后才能读watcher。
func (m *Manager) watchLoop(ctx context.Context) {
	select {
	case <-m.initCh:
	case <-ctx.Done():
		return
	}
	if m.watcher == nil {
		return
	}
	m.logger.Println("配置热加载线程启动")

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, profileFileSuffix) {
				continue
			}
			switch {
			case event.Op&fsnotify.Remove != 0:
				m.removeByPath(event.Name)
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				path := event.Name
				time.AfterFunc(m.config.DebounceDelay, func() { m.reload(path) })
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("文件监视器错误：%v\n", err)
		case <-ctx.Done():
			m.logger.Println("配置热加载线程结束")
			_ = m.watcher.Close()
			return
		}
	}
}

// reload 读取被外部修改的配置文件，读失败时稍候重试一次
func (m *Manager) reload(path string) {
	p, err := readProfileFile(path)
	if err != nil {
		time.Sleep(m.config.DebounceDelay)
		p, err = readProfileFile(path)
	}
	if err != nil {
		m.logger.Printf("热加载%s失败：%v\n", path, err)
		return
	}

	m.mu.Lock()
	m.profiles[p.ProcessName] = p
	m.mu.Unlock()
	m.logger.Printf("热加载了%s的配置\n", p.ProcessName)
}

func (m *Manager) removeByPath(path string) {
	base := strings.TrimSuffix(filepath.Base(path), profileFileSuffix)

	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.profiles {
		if strings.TrimSuffix(filepath.Base(m.profilePath(name)), profileFileSuffix) == base {
			delete(m.profiles, name)
			m.logger.Printf("配置文件被删除，移除%s的内存配置\n", name)
			return
		}
	}
}

func readProfileFile(path string) (*governor.GameProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "读取配置文件失败")
	}
	p := &governor.GameProfile{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "解析配置文件失败")
	}
	if p.ProcessName == "" {
		return nil, fmt.Errorf("配置文件%s缺少processName", path)
	}
	return p, nil
}

// DetectAndResolveConflicts 检查所有配置的参数一致性，把越界或互相矛盾
// 的取值收敛到合法范围内，返回所有被修正项的描述。
func (m *Manager) DetectAndResolveConflicts() []string {
	m.awaitInit()

	m.mu.Lock()
	fixed := make([]string, 0)
	changed := make([]*governor.GameProfile, 0)
	for name, p := range m.profiles {
		fixes := resolveConflicts(p)
		if len(fixes) > 0 {
			for _, f := range fixes {
				fixed = append(fixed, fmt.Sprintf("%s: %s", name, f))
			}
			cp := *p
			changed = append(changed, &cp)
		}
	}
	m.mu.Unlock()

	for _, p := range changed {
		if err := m.persist(p); err != nil {
			m.logger.Printf("持久化修正后的配置失败：%v\n", err)
		}
	}
	return fixed
}

// resolveConflicts 就地修正单个配置，返回修正描述
func resolveConflicts(p *governor.GameProfile) []string {
	fixes := make([]string, 0)

	fix := func(low, high *float64, dim string) {
		if *low >= *high {
			*low = *high / 2
			fixes = append(fixes, fmt.Sprintf("%s低阈值不小于高阈值，已调整为%0.f", dim, *low))
		}
	}
	fix(&p.Hysteresis.CpuLow, &p.Hysteresis.CpuHigh, "CPU")
	fix(&p.Hysteresis.MemLow, &p.Hysteresis.MemHigh, "内存")
	fix(&p.Hysteresis.GpuLow, &p.Hysteresis.GpuHigh, "GPU")
	fix(&p.Hysteresis.VramLow, &p.Hysteresis.VramHigh, "显存")

	if p.Hysteresis.TimeoutSeconds <= 0 {
		p.Hysteresis.TimeoutSeconds = DefaultHysteresisTimeoutSeconds
		fixes = append(fixes, fmt.Sprintf("去抖时间非法，已重置为%d秒", p.Hysteresis.TimeoutSeconds))
	}
	if p.Predictive.MinCooldownMs > p.Predictive.MaxCooldownMs {
		p.Predictive.MinCooldownMs = p.Predictive.MaxCooldownMs
		fixes = append(fixes, "最小冷却大于最大冷却，已收敛")
	}
	return fixes
}
