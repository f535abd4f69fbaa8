package server

import (
	"fmt"
	"net"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/sasha-s/go-deadlock"
)

// Config 进程配置，从环境变量读取，命令行参数可覆盖
type Config struct {
	Host string `env:"HOST"`
	Port int    `env:"PORT" envDefault:"4001"`

	LogFile       string `env:"LOG_FILE" envDefault:"app.log"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogConsole    bool   `env:"LOG_CONSOLE" envDefault:"true"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"10"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"7"`

	SendBuffer      int     `env:"SEND_BUFFER" envDefault:"256"`
	MaxMessageBytes int64   `env:"MAX_MESSAGE_BYTES" envDefault:"4096"`
	RoomMaxClients  int     `env:"ROOM_MAX_CLIENTS" envDefault:"0"`
	MoveMaxDistance float64 `env:"MOVE_MAX_DISTANCE" envDefault:"0"`
	DefaultCodec    string  `env:"DEFAULT_CODEC" envDefault:"json"`

	// 锁等待超时检测，默认关闭；开启后疑似死锁会打印持锁栈并退出进程
	DeadlockDetect bool `env:"DEADLOCK_DETECT" envDefault:"false"`

	// 为空时不提供静态文件（客户端渲染不在服务端范围内）
	StaticDir string `env:"STATIC_DIR"`
}

// LoadConfig 从进程环境变量加载配置
func LoadConfig() (Config, error) {
	return LoadConfigFrom(nil)
}

// LoadConfigFrom 从给定的键值表加载配置，environ 为 nil 时读取进程环境变量
func LoadConfigFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate 检查取值范围
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.RoomMaxClients < 0 {
		return fmt.Errorf("room max clients must not be negative, got %d", c.RoomMaxClients)
	}
	if _, err := CodecByName(c.DefaultCodec); err != nil {
		return err
	}
	return nil
}

// Addr 监听地址
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Logging 日志部分
func (c Config) Logging() LogConfig {
	return LogConfig{
		File:       c.LogFile,
		Level:      c.LogLevel,
		Console:    c.LogConsole,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	}
}

// RoomOptions 默认房间类型的选项
func (c Config) RoomOptions() RoomOptions {
	return RoomOptions{
		MaxClients: c.RoomMaxClients,
		Policy:     PolicyFromConfig(c.MoveMaxDistance),
	}
}

// ApplyLockDiagnostics 按配置开关 go-deadlock 检测，需在任何加锁之前调用
func (c Config) ApplyLockDiagnostics() {
	deadlock.Opts.Disable = !c.DeadlockDetect
}
