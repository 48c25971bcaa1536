package governor

import (
	"context"
	"time"
)

// WorkFunc 是被准入后实际执行的工作。调度器只负责何时执行，不关心内容。
type WorkFunc func(ctx context.Context) error

// Governor 是调度器的对外接口。进程内嵌入的宿主应用通过它提交OCR与
// 翻译工作并回报冷却效果，HTTP服务器也建立在本接口之上。
type Governor interface {
	// Initialize 初始化资源监控，必须在Start之前调用
	Initialize() error
	// Start 启动监控采样与定期并发度调整，context取消后全部停止
	Start(ctx context.Context)
	// ProcessOcr 准入并执行一个OCR工作。队列满时阻塞，context取消后
	// 放弃执行并返回错误。
	ProcessOcr(ctx context.Context, req *ProcessingRequest, work WorkFunc) error
	// ProcessTranslation 准入并执行一个翻译工作。准入之前先按预测冷却
	// 时间等待，给游戏让出资源。
	ProcessTranslation(ctx context.Context, req *TranslationRequest, work WorkFunc) error
	// AdjustParallelism 立即执行一轮并发度调整
	AdjustParallelism()
	// GetCurrentResourceStatus 返回当前资源与调度状态快照
	GetCurrentResourceStatus() *ResourceStatus
	// ApplyGameProfile 把一个游戏设为前台游戏，加载其配置并开始学习会话
	ApplyGameProfile(processName string) error
	// EndGameSession 结束指定游戏的前台会话，落盘学习到的负载模式。
	// 该游戏不是当前前台游戏时返回ErrNoActiveSession。
	EndGameSession(processName string) error
	// GetActiveConfigurationVariant 返回游戏当前生效的配置变体
	GetActiveConfigurationVariant(game string) ConfigurationVariant
	// DetectAndResolveConflicts 修正所有游戏配置中的矛盾参数
	DetectAndResolveConflicts() []string
	// ReportCooldownEffectiveness 回报一次冷却的实际效果，驱动预测精度学习
	ReportCooldownEffectiveness(game string, applied time.Duration, effective bool)
}

// VariantReport 是一个游戏A/B实验的当前状态
type VariantReport struct {
	Active  ConfigurationVariant `json:"active"`
	Results []*VariantResult     `json:"results"`
}

// API 是调度服务器对宿主应用暴露的管理接口
type API interface {
	// GetStatus 查询当前资源与调度状态
	GetStatus() (*ResourceStatus, error)
	// GetProfile 查询游戏的治理配置，不存在时服务器会创建默认配置
	GetProfile(game string) (*GameProfile, error)
	// UpdateProfile 更新游戏的治理配置
	UpdateProfile(profile *GameProfile) error
	// BeginSession 通知服务器游戏开始游玩，加载其配置并开始学习
	BeginSession(game string) error
	// EndSession 通知服务器游玩结束，落盘学习结果。该游戏不是当前
	// 前台游戏时返回ErrNoActiveSession。
	EndSession(game string) error
	// GetVariantReport 查询游戏A/B实验的当前状态
	GetVariantReport(game string) (*VariantReport, error)
	// Evaluate 立即触发一轮A/B实验评估
	Evaluate() error
}
