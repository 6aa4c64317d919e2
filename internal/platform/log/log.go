package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置。
type Config struct {
	Level     string // debug | info | warn | error
	Format    string // text | json
	Service   string // 写入每条日志的 service 字段
	AddSource bool
	Output    io.Writer
}

var (
	mu   sync.RWMutex
	base *zap.Logger
)

// Init 安装全局 logger：zap 负责编码输出，slog 通过 slog-zap 桥接到同一个 core。
func Init(cfg Config) {
	logger := newZap(cfg)
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}

	mu.Lock()
	base = logger
	mu.Unlock()
	zap.ReplaceGlobals(logger)

	slog.SetDefault(slog.New(slogzap.Option{
		Level:     slogLevel(cfg.Level),
		Logger:    logger,
		AddSource: cfg.AddSource,
	}.NewZapHandler()))

	// 第三方库的 log.Printf 输出与结构化日志同流
	log.SetOutput(cfg.output())
	log.SetFlags(0)
}

// Zap 返回底层 zap logger，未初始化时为 zap 全局 logger。
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return zap.L()
	}
	return base
}

// Sync 刷新缓冲日志，关停时调用。
func Sync() {
	_ = Zap().Sync()
}

// With 返回带固定字段的 slog logger。
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Component 组件 logger，固定带 component 字段
func Component(name string, args ...any) *slog.Logger {
	return slog.Default().With(append([]any{"component", name}, args...)...)
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

func Debugf(format string, args ...any) { slog.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { slog.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { slog.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { slog.Error(fmt.Sprintf(format, args...)) }

// Fatalf 记录错误、刷新日志后退出进程。
func Fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	Sync()
	os.Exit(1)
}

func newZap(cfg Config) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		encoder = zapcore.NewJSONEncoder(enc)
	default:
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(cfg.output()), zapLevel(cfg.Level))
	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...)
}

func (c Config) output() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stdout
}

func slogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func zapLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}
