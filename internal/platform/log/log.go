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
	AddSource bool
	Output    io.Writer
}

var (
	mu        sync.RWMutex
	zapLogger *zap.Logger
	initOnce  sync.Once
)

// Init 初始化全局日志（zap core + slog bridge）。
// 可重复调用，后者覆盖前者；未调用时首次输出会以默认配置懒初始化。
func Init(cfg Config) {
	logger := buildZapLogger(cfg)

	mu.Lock()
	zapLogger = logger
	mu.Unlock()

	zap.ReplaceGlobals(logger)

	handler := slogzap.Option{
		Level:     parseSlogLevel(cfg.Level),
		Logger:    logger,
		AddSource: cfg.AddSource,
	}.NewZapHandler()
	slog.SetDefault(slog.New(handler))

	// 标准库 log 也走同一输出，避免双份时间戳
	log.SetOutput(cfg.outputOrStdout())
	log.SetFlags(0)
}

// ensureInit CLI 场景下允许未显式 Init 就打日志。
func ensureInit() {
	initOnce.Do(func() {
		mu.RLock()
		ready := zapLogger != nil
		mu.RUnlock()
		if !ready {
			Init(Config{Level: "info", Format: "text"})
		}
	})
}

// Zap 返回全局 zap logger。
func Zap() *zap.Logger {
	ensureInit()
	mu.RLock()
	defer mu.RUnlock()
	if zapLogger != nil {
		return zapLogger
	}
	return zap.L()
}

// With 返回带固定字段的 slog logger。
func With(args ...any) *slog.Logger {
	ensureInit()
	return slog.Default().With(args...)
}

func Debug(msg string, args ...any) { ensureInit(); slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { ensureInit(); slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { ensureInit(); slog.Warn(msg, args...) }
func Error(msg string, args ...any) { ensureInit(); slog.Error(msg, args...) }

func Debugf(format string, args ...any) { Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Error(fmt.Sprintf(format, args...)) }

func Fatal(msg string, args ...any) {
	Error(msg, args...)
	os.Exit(1)
}

func Fatalf(format string, args ...any) {
	Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

func buildZapLogger(cfg Config) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.AddSync(cfg.outputOrStdout()),
		parseZapLevel(cfg.Level),
	)

	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		options = append(options, zap.AddCaller())
	}

	return zap.New(core, options...)
}

func (c Config) outputOrStdout() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

func parseSlogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseZapLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
