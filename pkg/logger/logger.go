package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"chuantou/pkg/config"
	"chuantou/pkg/errs"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// global logger instance
	log *zap.Logger
)

const (
	// TraceIDKey 跟踪ID在上下文中的键名
	TraceIDKey = "trace_id"
	// ClientIDKey 客户端ID在上下文中的键名，标识一条隧道会话
	ClientIDKey = "clientId"
	// ConnIDKey 逻辑连接ID在上下文中的键名
	ConnIDKey = "connId"
)

// Config 日志配置结构体
type Config struct {
	// Level 日志级别
	Level string `mapstructure:"level"`
	// Encoding 编码格式
	Encoding string `mapstructure:"encoding"`
	// ShowCaller 是否显示调用者信息
	ShowCaller bool `mapstructure:"show_caller"`
	// StacktraceLevel 显示堆栈跟踪的最小级别
	StacktraceLevel string `mapstructure:"stacktrace_level"`

	// DefaultOutput 默认输出路径
	DefaultOutput string `mapstructure:"default_output"`
	// ErrorOutput 错误日志输出路径
	ErrorOutput string `mapstructure:"error_output"`
	// InfoOutput 信息日志输出路径
	InfoOutput string `mapstructure:"info_output"`
	// DebugOutput 调试日志输出路径
	DebugOutput string `mapstructure:"debug_output"`

	// LogPath 日志文件的根目录，当使用相对路径时会与此路径结合
	LogPath string `mapstructure:"log_path"`
	// MaxSize 单个日志文件最大尺寸(MB)
	MaxSize int `mapstructure:"max_size"`
	// MaxBackups 保留的旧日志文件最大数量
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAge 保留的旧日志文件最大天数
	MaxAge int `mapstructure:"max_age"`
	// Compress 是否压缩旧日志文件
	Compress bool `mapstructure:"compress"`
}

// Setup 从全局配置加载日志配置并初始化；没有配置节时退回默认值
func Setup() error {
	var cfg Config
	if config.IsExist("log") {
		if err := config.GetSection("log", &cfg); err != nil {
			return Init(nil)
		}
		return Init(&cfg)
	}
	return Init(nil)
}

// Init 初始化全局日志实例，支持多级别、多输出目标与滚动归档
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{
			Level:           "info",
			DefaultOutput:   "stdout",
			Encoding:        "json",
			ShowCaller:      true,
			StacktraceLevel: "warn",
			LogPath:         "./logs",
			MaxSize:         100,
			MaxBackups:      10,
			MaxAge:          30,
			Compress:        true,
		}
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	stacktraceLevel, err := zapcore.ParseLevel(cfg.StacktraceLevel)
	if err != nil {
		stacktraceLevel = zapcore.WarnLevel
	}

	if cfg.LogPath != "" && cfg.LogPath != "stdout" && cfg.LogPath != "stderr" {
		if err := ensureDir(cfg.LogPath); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}

	var encoder zapcore.Encoder
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core

	if defaultWriter := getWriteSyncer(cfg.DefaultOutput, cfg.LogPath, cfg); defaultWriter != nil {
		cores = append(cores, zapcore.NewCore(encoder, defaultWriter, level))
	}

	if cfg.ErrorOutput != "" && cfg.ErrorOutput != cfg.DefaultOutput {
		if errorWriter := getWriteSyncer(cfg.ErrorOutput, cfg.LogPath, cfg); errorWriter != nil {
			cores = append(cores, zapcore.NewCore(encoder, errorWriter, zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
				return lvl >= zapcore.ErrorLevel && lvl >= level
			})))
		}
	}

	if cfg.InfoOutput != "" && cfg.InfoOutput != cfg.DefaultOutput {
		if infoWriter := getWriteSyncer(cfg.InfoOutput, cfg.LogPath, cfg); infoWriter != nil {
			cores = append(cores, zapcore.NewCore(encoder, infoWriter, zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
				return lvl == zapcore.InfoLevel && lvl >= level
			})))
		}
	}

	if cfg.DebugOutput != "" && cfg.DebugOutput != cfg.DefaultOutput {
		if debugWriter := getWriteSyncer(cfg.DebugOutput, cfg.LogPath, cfg); debugWriter != nil {
			cores = append(cores, zapcore.NewCore(encoder, debugWriter, zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
				return lvl == zapcore.DebugLevel && lvl >= level
			})))
		}
	}

	core := zapcore.NewTee(cores...)

	var options []zap.Option
	if cfg.ShowCaller {
		options = append(options, zap.AddCaller())
	}
	options = append(options, zap.AddStacktrace(stacktraceLevel))

	log = zap.New(core, options...)
	return nil
}

// getWriteSyncer 根据输出路径构建写入器："stdout"/"stderr" 或一个按大小/数量/天数滚动的文件
func getWriteSyncer(output string, logPath string, cfg *Config) zapcore.WriteSyncer {
	if output == "" {
		return nil
	}
	if output == "stdout" {
		return zapcore.AddSync(os.Stdout)
	}
	if output == "stderr" {
		return zapcore.AddSync(os.Stderr)
	}

	if logPath != "" && !filepath.IsAbs(output) {
		output = filepath.Join(logPath, output)
	}

	if err := ensureDir(filepath.Dir(output)); err != nil {
		fmt.Printf("create log directory %s failed: %v, falling back to stdout\n", filepath.Dir(output), err)
		return zapcore.AddSync(os.Stdout)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   output,
		MaxSize:    getMaxSize(cfg),
		MaxBackups: getMaxBackups(cfg),
		MaxAge:     getMaxAge(cfg),
		Compress:   getCompress(cfg),
		LocalTime:  true,
	})
}

func getMaxSize(cfg *Config) int {
	if cfg != nil && cfg.MaxSize > 0 {
		return cfg.MaxSize
	}
	return 100
}

func getMaxBackups(cfg *Config) int {
	if cfg != nil && cfg.MaxBackups > 0 {
		return cfg.MaxBackups
	}
	return 10
}

func getMaxAge(cfg *Config) int {
	if cfg != nil && cfg.MaxAge > 0 {
		return cfg.MaxAge
	}
	return 30
}

func getCompress(cfg *Config) bool {
	if cfg != nil {
		return cfg.Compress
	}
	return true
}

func ensureDir(dirPath string) error {
	return os.MkdirAll(dirPath, 0755)
}

// ===== 基础接口 =====

// Info 记录信息级别日志，args 支持 map[string]any、[]zap.Field、zap.Field 列表或 key/value 列表
func Info(msg string, args ...any) {
	if log == nil {
		return
	}
	log.Info(msg, parseArgs(args...)...)
}

// InfoWithTrace 记录带 trace_id/clientId/connId 的信息级别日志
func InfoWithTrace(ctx context.Context, msg string, args ...any) {
	if log == nil {
		return
	}
	log.Info(msg, appendTraceID(ctx, parseArgs(args...))...)
}

// Debug 记录调试级别日志
func Debug(msg string, args ...any) {
	if log == nil {
		return
	}
	log.Debug(msg, parseArgs(args...)...)
}

// DebugWithTrace 记录带跟踪上下文的调试级别日志
func DebugWithTrace(ctx context.Context, msg string, args ...any) {
	if log == nil {
		return
	}
	log.Debug(msg, appendTraceID(ctx, parseArgs(args...))...)
}

// Warn 记录警告级别日志
func Warn(msg string, args ...any) {
	if log == nil {
		return
	}
	log.Warn(msg, parseArgs(args...)...)
}

// WarnWithTrace 记录带跟踪上下文的警告级别日志
func WarnWithTrace(ctx context.Context, msg string, args ...any) {
	if log == nil {
		return
	}
	log.Warn(msg, appendTraceID(ctx, parseArgs(args...))...)
}

// Error 记录错误级别日志；Error(msg, err) 形式会附带完整的包装链信息
func Error(msg string, args ...any) {
	if log == nil {
		return
	}
	if len(args) == 1 {
		if err, ok := args[0].(error); ok {
			log.Error(msg, zap.Error(err), zap.String("error_stack", errs.Stack(err)))
			return
		}
	}
	fields := parseArgs(args...)
	fields = append(fields, zap.String("error_stack", captureStack(2)))
	log.Error(msg, fields...)
}

// ErrorWithTrace 记录带跟踪上下文的错误级别日志
func ErrorWithTrace(ctx context.Context, msg string, args ...any) {
	if log == nil {
		return
	}
	if len(args) == 1 {
		if err, ok := args[0].(error); ok {
			fields := appendTraceID(ctx, []zap.Field{zap.Error(err), zap.String("error_stack", errs.Stack(err))})
			log.Error(msg, fields...)
			return
		}
	}
	fields := parseArgs(args...)
	fields = append(fields, zap.String("error_stack", captureStack(2)))
	log.Error(msg, appendTraceID(ctx, fields)...)
}

// Fatal 记录致命错误日志并终止进程
func Fatal(msg string, args ...any) {
	if log == nil {
		return
	}
	if len(args) == 1 {
		if err, ok := args[0].(error); ok {
			log.Fatal(msg, zap.Error(err), zap.String("error_stack", errs.Stack(err)))
			return
		}
	}
	fields := parseArgs(args...)
	fields = append(fields, zap.String("error_stack", captureStack(2)))
	log.Fatal(msg, fields...)
}

// ===== 工具函数 =====

// parseArgs 把可变参数规整为 zap.Field 列表，兜底把无法识别的输入打包为一个字段
func parseArgs(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	if len(args) == 1 {
		if m, ok := args[0].(map[string]any); ok {
			return mapToFields(m)
		}
		if fields, ok := args[0].([]zap.Field); ok {
			return fields
		}
		if field, ok := args[0].(zap.Field); ok {
			return []zap.Field{field}
		}
	}

	if len(args) > 1 && len(args)%2 == 0 {
		allStringKeys := true
		for i := 0; i < len(args); i += 2 {
			if _, ok := args[i].(string); !ok {
				allStringKeys = false
				break
			}
		}
		if allStringKeys {
			fields := make([]zap.Field, 0, len(args)/2)
			for i := 0; i < len(args); i += 2 {
				fields = append(fields, zap.Any(args[i].(string), args[i+1]))
			}
			return fields
		}
	}

	allFields := true
	for _, arg := range args {
		if _, ok := arg.(zap.Field); !ok {
			allFields = false
			break
		}
	}
	if allFields {
		fields := make([]zap.Field, len(args))
		for i, arg := range args {
			fields[i] = arg.(zap.Field)
		}
		return fields
	}

	return []zap.Field{zap.Any("args", args)}
}

func mapToFields(data map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// captureStack 跳过 runtime/zap 帧，只保留应用代码的调用链
func captureStack(skip int) string {
	var buffer strings.Builder

	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") &&
			!strings.Contains(frame.File, "zap/") &&
			!strings.Contains(frame.File, "zapcore/") {
			function := frame.Function
			if idx := strings.LastIndex(function, "/"); idx >= 0 {
				function = function[idx+1:]
			}
			fmt.Fprintf(&buffer, "%s:%d %s\n", frame.File, frame.Line, function)
		}
		if !more {
			break
		}
	}

	return buffer.String()
}

// CreateLogDirectory 确保日志目录存在，供启动流程主动调用
func CreateLogDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	return nil
}

// ===== 跟踪上下文 =====

// WithTraceID 把 trace_id 写入上下文，沿调用链传播
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID 从上下文取回 trace_id
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// WithClientID 把隧道客户端 ID 写入上下文，使该客户端相关的每条日志都能被关联
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

// WithConnID 把逻辑连接 ID 写入上下文
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

func appendTraceID(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if clientID, ok := ctx.Value(ClientIDKey).(string); ok && clientID != "" {
		fields = append(fields, zap.String("clientId", clientID))
	}
	if connID, ok := ctx.Value(ConnIDKey).(string); ok && connID != "" {
		fields = append(fields, zap.String("connId", connID))
	}
	return fields
}
