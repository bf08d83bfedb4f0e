package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/papertrader/internal/broadcast"
	"github.com/betbot/papertrader/internal/dashboard"
	"github.com/betbot/papertrader/internal/domain"
	"github.com/betbot/papertrader/internal/engine"
	"github.com/betbot/papertrader/internal/events"
	"github.com/betbot/papertrader/internal/feed"
	"github.com/betbot/papertrader/internal/ledger"
	"github.com/betbot/papertrader/internal/metrics"
	"github.com/betbot/papertrader/internal/tickstore"
	"github.com/betbot/papertrader/pkg/config"
	"github.com/betbot/papertrader/pkg/logger"
	"github.com/betbot/papertrader/pkg/persistence"
	"github.com/betbot/papertrader/pkg/shutdown"
	"github.com/betbot/papertrader/pkg/syncgroup"
)

// sessionState 活跃会话快照，崩溃后重启时据此恢复。
// 正常停机会清空该文件，下次启动走全新建会话路径。
type sessionState struct {
	SessionIDs []string `json:"session_ids"`
}

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env", "", ".env 文件路径（可选，默认加载当前目录 .env）")
	feedPath := flag.String("feed", "", "行情 JSONL 文件路径（覆盖配置）")
	flag.Parse()

	// 环境变量先行，配置加载时可读到
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	if *configPath != "" {
		config.SetConfigPath(*configPath)
		logrus.Infof("使用配置文件: %s", *configPath)
	} else if p, ok := firstExistingFile("yml/config.yaml", "yml/config.yml", "config.yaml"); ok {
		config.SetConfigPath(p)
		logrus.Infof("使用默认配置文件: %s", p)
	} else {
		logrus.Warn("未指定配置文件，将使用环境变量和默认值")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if *feedPath != "" {
		cfg.FeedPath = *feedPath
	}

	// 按配置重新初始化日志（文件输出、轮转）
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	logrus.Info("🚀 启动纸面交易机器人...")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 可选：metrics/pprof（默认关闭，环境变量启用）
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		if _, err := metrics.StartAsync(rootCtx, addr); err != nil {
			logrus.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			logrus.Infof("📊 metrics/pprof 启用: listen=%s (expvar:/debug/vars, pprof:/debug/pprof)", addr)
		}
	}

	// 账本（sqlite）
	store, err := ledger.OpenSQLite(cfg.DBPath)
	if err != nil {
		logrus.Errorf("打开账本失败: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	// tick 归档（badger）
	ticks, err := tickstore.Open(cfg.TickArchiveDir)
	if err != nil {
		logrus.Errorf("打开 tick 归档失败: %v", err)
		os.Exit(1)
	}
	defer ticks.Close()

	// 事件接收端：websocket 广播加可选终端仪表板
	var sinks []events.Sink
	hub := broadcast.NewHub()
	var httpSrv *http.Server
	if cfg.ListenAddr != "" {
		sinks = append(sinks, hub)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.Handler())
		httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	}
	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash = dashboard.New()
		sinks = append(sinks, dash)
	}
	sink := events.MultiSink(sinks...)

	registry := engine.NewRegistry(store, sink, cfg.Guard)

	// 会话快照：崩溃恢复的依据
	persistenceService := persistence.NewJSONFileService(cfg.StateDir)
	stateStore := persistenceService.NewStore("state", "bot", "sessions")

	var sessions []*engine.Session
	var state sessionState
	switch err := stateStore.Load(&state); err {
	case nil:
		for _, id := range state.SessionIDs {
			sess, err := registry.Resume(rootCtx, id, cfg.Strategy)
			if err != nil {
				logrus.Warnf("恢复会话 %s 失败: %v", id, err)
				continue
			}
			sessions = append(sessions, sess)
		}
	case persistence.ErrNotExists:
		// 首次启动
	default:
		logrus.Warnf("读取会话快照失败: %v", err)
	}

	if len(sessions) == 0 {
		if cfg.UserID != "" {
			// 引导：外部钱包不存在时按拨款额垫资，已存在不动余额
			if err := store.EnsureUser(rootCtx, cfg.UserID, cfg.Allocation); err != nil {
				logrus.Errorf("初始化用户钱包失败: %v", err)
				os.Exit(1)
			}
		}
		sess, err := registry.Create(rootCtx, engine.CreateParams{
			UserID:     cfg.UserID,
			GameID:     cfg.GameID,
			MarketID:   cfg.MarketID,
			Allocation: cfg.Allocation,
			Config:     cfg.Strategy,
		})
		if err != nil {
			logrus.Errorf("创建会话失败: %v", err)
			os.Exit(1)
		}
		sessions = append(sessions, sess)
	}

	state.SessionIDs = registry.Active()
	if err := stateStore.Save(&state); err != nil {
		logrus.Warnf("保存会话快照失败: %v", err)
	}

	// 所有长驻 goroutine 统一由 syncgroup 管理
	sg := syncgroup.NewSyncGroup()
	for _, sess := range sessions {
		s := sess
		sg.Add(func() { s.Run(rootCtx) })
	}

	if httpSrv != nil {
		srv := httpSrv
		sg.Add(func() {
			logrus.Infof("📡 websocket 广播监听 %s/ws", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("websocket 服务退出: %v", err)
			}
		})
	}

	if dash != nil {
		d := dash
		sg.Add(func() {
			if err := d.Run(rootCtx); err != nil {
				logrus.Errorf("仪表板退出: %v", err)
			}
		})
	}

	// 行情回放：归档每个 tick 后广播给全部会话
	feedDone := make(chan struct{})
	if cfg.FeedPath != "" {
		replayer := feed.NewFileReplayer(cfg.FeedPath, cfg.FeedInterval)
		sg.Add(func() {
			defer close(feedDone)
			err := replayer.Run(rootCtx, func(tick *domain.Tick) {
				for _, sess := range sessions {
					if err := ticks.Append(sess.ID, tick); err != nil {
						logrus.Warnf("tick 归档失败: %v", err)
					}
					if err := sess.OnTick(rootCtx, tick); err != nil && err != engine.ErrSessionClosed {
						logrus.Warnf("投递 tick 失败: %v", err)
					}
				}
			})
			if err != nil && err != context.Canceled {
				logrus.Errorf("行情回放失败: %v", err)
			}
		})
	} else {
		logrus.Warn("未配置行情来源（feed.path），仅等待外部指令")
	}

	sg.Run()

	// 优雅关闭链路
	manager := shutdown.NewManager()
	manager.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		registry.StopAll(ctx, domain.ExitReasonBotStopped)
		// 会话已全部终止，清空快照避免下次误恢复
		if err := stateStore.Save(&sessionState{}); err != nil {
			logrus.Warnf("清空会话快照失败: %v", err)
		}
	})
	if httpSrv != nil {
		manager.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
			hub.Shutdown()
			_ = httpSrv.Shutdown(ctx)
		})
	}

	logrus.Info("✅ 纸面交易机器人已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	if cfg.FeedPath != "" {
		select {
		case <-sigChan:
			logrus.Info("收到停止信号，正在关闭...")
		case <-feedDone:
			logrus.Info("行情回放结束，正在结算...")
		}
	} else {
		<-sigChan
		logrus.Info("收到停止信号，正在关闭...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	manager.Shutdown(shutdownCtx)
	shutdownCancel()

	rootCancel()
	sg.Wait()
	logrus.Info("✅ 纸面交易机器人已停止")
}
