package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/betbot/papertrader/internal/engine"
	"github.com/betbot/papertrader/internal/risk"
)

// Config 应用配置
type Config struct {
	LogLevel      string // 日志级别
	LogFile       string // 日志文件路径（可选）
	LogMaxSizeMB  int    // 单个日志文件最大大小（MB）
	LogMaxBackups int    // 保留的旧日志文件数量
	LogMaxAgeDays int    // 保留旧日志文件的天数

	DBPath         string // sqlite 账本路径
	TickArchiveDir string // tick 归档目录（Badger）
	StateDir       string // 会话快照目录（JSON）

	ListenAddr string // websocket 广播监听地址，空则不开

	FeedPath     string        // JSONL 行情文件路径
	FeedInterval time.Duration // 相邻 tick 投递间隔，0 为全速回放

	Dashboard bool // 是否启动终端仪表板

	GameID     string  // 回放绑定的比赛 ID
	MarketID   string  // 回放绑定的市场 ID
	UserID     string  // 外部钱包用户 ID
	Allocation float64 // 会话初始拨款

	Strategy engine.StrategyConfig // 策略参数
	Guard    risk.GuardConfig      // 风控熔断参数
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	Log struct {
		Level      string `yaml:"level" json:"level"`
		File       string `yaml:"file" json:"file"`
		MaxSize    int    `yaml:"max_size" json:"max_size"`
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAge     int    `yaml:"max_age" json:"max_age"`
	} `yaml:"log" json:"log"`
	Storage struct {
		DBPath         string `yaml:"db_path" json:"db_path"`
		TickArchiveDir string `yaml:"tick_archive_dir" json:"tick_archive_dir"`
		StateDir       string `yaml:"state_dir" json:"state_dir"`
	} `yaml:"storage" json:"storage"`
	Server struct {
		ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	} `yaml:"server" json:"server"`
	Feed struct {
		Path       string `yaml:"path" json:"path"`
		IntervalMs int    `yaml:"interval_ms" json:"interval_ms"`
	} `yaml:"feed" json:"feed"`
	Dashboard bool `yaml:"dashboard" json:"dashboard"`
	Session   struct {
		GameID     string  `yaml:"game_id" json:"game_id"`
		MarketID   string  `yaml:"market_id" json:"market_id"`
		UserID     string  `yaml:"user_id" json:"user_id"`
		Allocation float64 `yaml:"allocation" json:"allocation"`
	} `yaml:"session" json:"session"`
	Strategy *engine.StrategyConfig `yaml:"strategy" json:"strategy"`
	Guard    *risk.GuardConfig      `yaml:"guard" json:"guard"`
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置。
// 优先级：配置文件 > 环境变量 > 默认值；策略参数缺省用 engine.DefaultStrategyConfig。
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	var configFile *ConfigFile
	if filePath != "" {
		var err error
		configFile, err = loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	config := &Config{
		LogLevel:      pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Log.Level }), getEnv("LOG_LEVEL", "info")),
		LogFile:       pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Log.File }), getEnv("LOG_FILE", "logs/papertrader.log")),
		LogMaxSizeMB:  pickInt(fileInt(configFile, func(cf *ConfigFile) int { return cf.Log.MaxSize }), parseIntEnv("LOG_MAX_SIZE_MB", 100)),
		LogMaxBackups: pickInt(fileInt(configFile, func(cf *ConfigFile) int { return cf.Log.MaxBackups }), parseIntEnv("LOG_MAX_BACKUPS", 3)),
		LogMaxAgeDays: pickInt(fileInt(configFile, func(cf *ConfigFile) int { return cf.Log.MaxAge }), parseIntEnv("LOG_MAX_AGE_DAYS", 7)),

		DBPath:         pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Storage.DBPath }), getEnv("DB_PATH", "data/papertrader.db")),
		TickArchiveDir: pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Storage.TickArchiveDir }), getEnv("TICK_ARCHIVE_DIR", "data/ticks")),
		StateDir:       pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Storage.StateDir }), getEnv("STATE_DIR", "data/state")),

		ListenAddr: pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Server.ListenAddr }), getEnv("LISTEN_ADDR", "")),

		FeedPath:     pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Feed.Path }), getEnv("FEED_PATH", "")),
		FeedInterval: time.Duration(pickInt(fileInt(configFile, func(cf *ConfigFile) int { return cf.Feed.IntervalMs }), parseIntEnv("FEED_INTERVAL_MS", 0))) * time.Millisecond,

		GameID:     pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Session.GameID }), getEnv("GAME_ID", "")),
		MarketID:   pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Session.MarketID }), getEnv("MARKET_ID", "")),
		UserID:     pickString(configFile != nil, fileString(configFile, func(cf *ConfigFile) string { return cf.Session.UserID }), getEnv("USER_ID", "")),
		Allocation: pickFloat(fileFloat(configFile, func(cf *ConfigFile) float64 { return cf.Session.Allocation }), parseFloatEnv("ALLOCATION", 1000)),
	}

	if configFile != nil {
		config.Dashboard = configFile.Dashboard
	} else {
		config.Dashboard = parseBoolEnv("DASHBOARD", false)
	}

	config.Strategy = engine.DefaultStrategyConfig()
	if configFile != nil && configFile.Strategy != nil {
		config.Strategy = *configFile.Strategy
	}
	if configFile != nil && configFile.Guard != nil {
		config.Guard = *configFile.Guard
	} else {
		config.Guard = risk.GuardConfig{
			MaxConsecutiveStorageErrors: int64(parseIntEnv("GUARD_MAX_STORAGE_ERRORS", 0)),
			SessionLossLimitCents:       int64(parseIntEnv("GUARD_LOSS_LIMIT_CENTS", 0)),
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = config
	configFilePath = filePath
	return config, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH 未配置")
	}
	if c.Allocation <= 0 {
		return fmt.Errorf("ALLOCATION 必须大于 0")
	}
	if c.FeedInterval < 0 {
		return fmt.Errorf("FEED_INTERVAL_MS 不能为负数")
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("策略配置非法: %w", err)
	}
	return nil
}

// pickString 从多个源获取字符串值（优先级：配置文件 > 环境变量/默认值）
func pickString(hasConfigValue bool, configValue, envValue string) string {
	if hasConfigValue && configValue != "" {
		return configValue
	}
	return envValue
}

// pickInt 配置文件提供了非零值则用之，否则用环境变量/默认值
func pickInt(configValue, envValue int) int {
	if configValue != 0 {
		return configValue
	}
	return envValue
}

// pickFloat 同 pickInt 的浮点版本
func pickFloat(configValue, envValue float64) float64 {
	if configValue != 0 {
		return configValue
	}
	return envValue
}

func fileString(cf *ConfigFile, getter func(*ConfigFile) string) string {
	if cf == nil {
		return ""
	}
	return getter(cf)
}

func fileInt(cf *ConfigFile, getter func(*ConfigFile) int) int {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

func fileFloat(cf *ConfigFile, getter func(*ConfigFile) float64) float64 {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
