// Package server 对外提供调度器的HTTP管理接口，供宿主应用与调试工具
// 查询状态、管理游戏配置以及触发A/B评估。
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/packagewjx/resource-governor/internal/profile"
	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
)

const DefaultPort = 2300

type Config struct {
	Port uint16 // 本服务器监听端口
}

func (c Config) String() string {
	marshal, _ := json.Marshal(c)
	return string(marshal)
}

func (c *Config) Complete() error {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1024 {
		return fmt.Errorf("端口号应该在1024到65535之间，现在为%d", c.Port)
	}
	return nil
}

type Server interface {
	Start() error
}

func NewServer(gov governor.Governor, profiles *profile.Manager, config *Config) (Server, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Complete(); err != nil {
		return nil, err
	}

	return &serverImpl{
		config:   config,
		governor: gov,
		profiles: profiles,
		logger:   log.New(os.Stdout, "governor server: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
	}, nil
}

type serverImpl struct {
	config   *Config
	governor governor.Governor
	profiles *profile.Manager
	logger   *log.Logger
}

func (s *serverImpl) Start() error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.logger.Printf("服务器启动。配置：%v\n", s.config)

	if err := s.governor.Initialize(); err != nil {
		return errors.Wrap(err, "初始化调度器失败")
	}
	s.governor.Start(rootCtx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.buildMux(),
	}
	errCh := make(chan error)
	go s.serve(server, errCh)

	// 注册信号接收器
	termSigChan := make(chan os.Signal, 1)
	signal.Notify(termSigChan, syscall.SIGTERM, syscall.SIGINT)

	<-termSigChan
	if err := server.Shutdown(rootCtx); err != nil {
		return errors.Wrap(err, "关闭HTTP服务器失败")
	}
	cancel()

	// 等待HTTP服务器结束
	if err := <-errCh; err != nil {
		return errors.Wrap(err, "HTTP关闭出现错误")
	}
	return nil
}

func (s *serverImpl) serve(server *http.Server, errCh chan error) {
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		err = nil
	}
	errCh <- err
}

func (s *serverImpl) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	const NamePattern = "[\\w\\d][\\w\\d-. ]{0,253}[\\w\\d]|[\\w\\d]"
	profilePattern := regexp.MustCompile(fmt.Sprintf("^/games/(%s)/profile$", NamePattern))
	variantPattern := regexp.MustCompile(fmt.Sprintf("^/games/(%s)/variant$", NamePattern))
	sessionPattern := regexp.MustCompile(fmt.Sprintf("^/games/(%s)/session$", NamePattern))

	mux.HandleFunc("/games/", func(writer http.ResponseWriter, request *http.Request) {
		switch {
		case profilePattern.MatchString(request.URL.Path):
			game := profilePattern.FindStringSubmatch(request.URL.Path)[1]
			s.handleProfile(writer, request, game)
		case variantPattern.MatchString(request.URL.Path):
			game := variantPattern.FindStringSubmatch(request.URL.Path)[1]
			s.handleVariant(writer, request, game)
		case sessionPattern.MatchString(request.URL.Path):
			game := sessionPattern.FindStringSubmatch(request.URL.Path)[1]
			s.handleSession(writer, request, game)
		default:
			http.NotFound(writer, request)
		}
	})

	mux.HandleFunc("/status", func(writer http.ResponseWriter, request *http.Request) {
		writeJson(writer, s.governor.GetCurrentResourceStatus())
	})

	mux.HandleFunc("/conflicts", func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			http.Error(writer, "只支持POST", http.StatusMethodNotAllowed)
			return
		}
		fixed := s.governor.DetectAndResolveConflicts()
		s.logger.Printf("配置一致性检查完成，修正了%d处\n", len(fixed))
		writeJson(writer, fixed)
	})

	mux.HandleFunc("/evaluate", func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			http.Error(writer, "只支持POST", http.StatusMethodNotAllowed)
			return
		}
		s.profiles.KickEvaluate()
		_, _ = writer.Write([]byte("OK"))
	})

	mux.HandleFunc("/healthz", func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte("OK"))
	})

	return mux
}

func (s *serverImpl) handleProfile(writer http.ResponseWriter, request *http.Request, game string) {
	switch request.Method {
	case http.MethodGet:
		writeJson(writer, s.profiles.GetProfile(game))
	case http.MethodPut, http.MethodPost:
		body, err := io.ReadAll(request.Body)
		if err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		p := &governor.GameProfile{}
		if err := json.Unmarshal(body, p); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		p.ProcessName = game
		if err := s.profiles.UpdateProfile(p); err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
			return
		}
		s.logger.Printf("通过接口更新了%s的配置\n", game)
		writeJson(writer, p)
	default:
		http.Error(writer, "只支持GET、PUT与POST", http.StatusMethodNotAllowed)
	}
}

func (s *serverImpl) handleVariant(writer http.ResponseWriter, request *http.Request, game string) {
	if request.Method != http.MethodGet {
		http.Error(writer, "只支持GET", http.StatusMethodNotAllowed)
		return
	}

	results, err := s.profiles.VariantResults(game)
	if err == governor.ErrNoActiveExperiment {
		http.NotFound(writer, request)
		return
	} else if err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJson(writer, map[string]interface{}{
		"active":  s.governor.GetActiveConfigurationVariant(game),
		"results": results,
	})
}

func (s *serverImpl) handleSession(writer http.ResponseWriter, request *http.Request, game string) {
	switch request.Method {
	case http.MethodPost:
		if err := s.governor.ApplyGameProfile(game); err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
			return
		}
		s.logger.Printf("开始了%s的游玩会话\n", game)
		_, _ = writer.Write([]byte("OK"))
	case http.MethodDelete:
		err := s.governor.EndGameSession(game)
		if err == governor.ErrNoActiveSession {
			http.Error(writer, err.Error(), http.StatusConflict)
			return
		} else if err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
			return
		}
		s.logger.Printf("结束了%s的游玩会话\n", game)
		_, _ = writer.Write([]byte("OK"))
	default:
		http.Error(writer, "只支持POST与DELETE", http.StatusMethodNotAllowed)
	}
}

func writeJson(writer http.ResponseWriter, value interface{}) {
	marshal, err := json.Marshal(value)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	_, _ = writer.Write(marshal)
}
