package pattern

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GamePatternDO 是负载模式的数据库记录
type GamePatternDO struct {
	gorm.Model
	ProcessName  string `gorm:"uniqueIndex;type:VARCHAR(256)"`
	AvgLoad      float64
	PeakLoad     float64
	PeakOffset   int
	SessionCount int
}

// PatternBucketDO 是负载模式的单个分钟桶记录
type PatternBucketDO struct {
	PatternId uint `gorm:"uniqueIndex:bucket"`
	Bucket    int  `gorm:"uniqueIndex:bucket"`
	Load      float64
}

type UpdateDao interface {
	SavePattern(p *governor.GameLoadPattern) error

	// 永久删除updatedAt在t之前、不再活跃的模式
	RemovePatternsBefore(t time.Time) error
}

type QueryDao interface {
	QueryPatternByName(processName string) (*governor.GameLoadPattern, error)
	QueryAllPatterns() ([]*governor.GameLoadPattern, error)
}

type Dao interface {
	DB() *gorm.DB
	UpdateDao
	QueryDao
}

type daoImpl struct {
	db     *gorm.DB
	logger *log.Logger

	// 会话结束的落盘与清理线程会并发访问
	mu        sync.Mutex
	gameIdMap map[string]uint
}

var _ Dao = &daoImpl{}

// NewDao 打开path处的本地数据库，建表并预热ID缓存
func NewDao(path string) (Dao, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(log.New(os.Stdout, "", 0), logger.Config{
			LogLevel: logger.Silent,
		}),
	})
	if err != nil {
		return nil, errors.Wrap(err, "打开本地数据库错误")
	}

	// 创建表格等
	err = db.AutoMigrate(&GamePatternDO{}, &PatternBucketDO{})
	if err != nil {
		return nil, errors.Wrap(err, "创建表格时出现异常")
	}

	// 读取已有游戏的记录ID
	gameIdMap := make(map[string]uint)
	records := make([]*GamePatternDO, 0)
	err = db.Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "读取负载模式记录时出错")
	}
	for _, record := range records {
		gameIdMap[record.ProcessName] = record.ID
	}

	return &daoImpl{
		db:        db,
		gameIdMap: gameIdMap,
		logger:    log.New(os.Stdout, "patterndao: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
	}, nil
}

// queryPatternId 返回游戏的负载模式记录ID，没有时创建。ID缓存在内存
// 中，重复保存不再按名字查库。
func (d *daoImpl) queryPatternId(processName string) (uint, error) {
	d.mu.Lock()
	id, ok := d.gameIdMap[processName]
	d.mu.Unlock()
	if ok {
		return id, nil
	}

	do := &GamePatternDO{}
	err := d.db.FirstOrCreate(do, &GamePatternDO{ProcessName: processName}).Error
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("创建%s的负载模式记录出错", processName))
	}

	d.mu.Lock()
	d.gameIdMap[processName] = do.ID
	d.mu.Unlock()
	return do.ID, nil
}

func (d *daoImpl) SavePattern(p *governor.GameLoadPattern) error {
	if p.ProcessName == "" {
		return fmt.Errorf("ProcessName不能为空")
	}

	id, err := d.queryPatternId(p.ProcessName)
	if err != nil {
		return err
	}

	err = d.db.Model(&GamePatternDO{}).Where("id = ?", id).Updates(map[string]interface{}{
		"avg_load":      p.AvgLoad,
		"peak_load":     p.PeakLoad,
		"peak_offset":   p.PeakOffset,
		"session_count": p.SessionCount,
	}).Error
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("保存%s的负载模式出错", p.ProcessName))
	}

	// 桶数据全量重写，避免逐桶比对
	err = d.db.Where("pattern_id = ?", id).Delete(&PatternBucketDO{}).Error
	if err != nil {
		return errors.Wrap(err, "删除旧的分钟桶数据出错")
	}

	buckets := make([]*PatternBucketDO, 0, len(p.Buckets))
	for bucket, load := range p.Buckets {
		buckets = append(buckets, &PatternBucketDO{
			PatternId: id,
			Bucket:    bucket,
			Load:      load,
		})
	}
	if len(buckets) == 0 {
		return nil
	}

	d.logger.Printf("正在写入%s的%d个分钟桶\n", p.ProcessName, len(buckets))
	return errors.Wrap(d.db.Create(buckets).Error, "写入分钟桶数据出错")
}

func (d *daoImpl) QueryPatternByName(processName string) (*governor.GameLoadPattern, error) {
	do := &GamePatternDO{}
	err := d.db.First(do, &GamePatternDO{ProcessName: processName}).Error
	if err == gorm.ErrRecordNotFound {
		return nil, governor.ErrGameNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "查询负载模式时出错")
	}

	return d.toPattern(do)
}

func (d *daoImpl) QueryAllPatterns() ([]*governor.GameLoadPattern, error) {
	doArray := make([]*GamePatternDO, 0)
	err := d.db.Find(&doArray).Error
	if err != nil {
		return nil, errors.Wrap(err, "获取所有负载模式出错")
	}

	result := make([]*governor.GameLoadPattern, 0, len(doArray))
	for _, do := range doArray {
		p, err := d.toPattern(do)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

func (d *daoImpl) RemovePatternsBefore(t time.Time) error {
	stale := make([]*GamePatternDO, 0)
	err := d.db.Where("updated_at < ?", t).Find(&stale).Error
	if err != nil {
		return errors.Wrap(err, "查询过期负载模式出错")
	}
	if len(stale) == 0 {
		return nil
	}

	d.logger.Printf("正在删除%d条过期负载模式\n", len(stale))
	for _, do := range stale {
		err = d.db.Where("pattern_id = ?", do.ID).Delete(&PatternBucketDO{}).Error
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("删除%s的分钟桶出错", do.ProcessName))
		}
		err = d.db.Unscoped().Delete(do).Error
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("删除%s的负载模式出错", do.ProcessName))
		}
		d.mu.Lock()
		delete(d.gameIdMap, do.ProcessName)
		d.mu.Unlock()
	}

	return nil
}

func (d *daoImpl) toPattern(do *GamePatternDO) (*governor.GameLoadPattern, error) {
	bucketDos := make([]*PatternBucketDO, 0)
	err := d.db.Order("bucket asc").Find(&bucketDos, &PatternBucketDO{PatternId: do.ID}).Error
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("查询%s的分钟桶出错", do.ProcessName))
	}

	buckets := make(map[int]float64, len(bucketDos))
	for _, b := range bucketDos {
		buckets[b.Bucket] = b.Load
	}

	return &governor.GameLoadPattern{
		ProcessName:  do.ProcessName,
		Buckets:      buckets,
		AvgLoad:      do.AvgLoad,
		PeakLoad:     do.PeakLoad,
		PeakOffset:   do.PeakOffset,
		SessionCount: do.SessionCount,
		UpdatedAt:    do.UpdatedAt,
	}, nil
}

func (d *daoImpl) DB() *gorm.DB {
	return d.db
}
