package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "06-01-02 15:04:05" // yy-mm-dd HH:MM:ss

var (
	// Logger 全局日志实例
	Logger = logrus.StandardLogger()

	logMu      sync.Mutex
	fileWriter *lumberjack.Logger
)

// Config 日志配置
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // text（默认）或 json
	OutputFile string // 为空则只输出到控制台
	MaxSize    int    // 单个文件最大大小（MB）
	MaxBackups int    // 保留的旧文件数量
	MaxAge     int    // 保留天数
	Compress   bool
	NoColor    bool
}

func formatter(cfg Config) logrus.Formatter {
	if cfg.Format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: timestampFormat}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
		ForceColors:     !cfg.NoColor && cfg.OutputFile == "",
		DisableColors:   cfg.NoColor || cfg.OutputFile != "",
	}
}

// Init 初始化日志系统。
// 同时设置全局 logrus，使各包中 logrus.WithField() 创建的 entry 也写入同一输出。
func Init(cfg Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	writers := []io.Writer{os.Stdout}
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0o755); err != nil {
			return err
		}
		if fileWriter != nil {
			_ = fileWriter.Close()
		}
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		writers = append(writers, fileWriter)
	}

	logrus.SetOutput(io.MultiWriter(writers...))
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter(cfg))
	Logger = logrus.StandardLogger()
	return nil
}

// Rotate 手动切换日志文件（例如收到 SIGHUP）
func Rotate() error {
	logMu.Lock()
	defer logMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	return fileWriter.Rotate()
}

// Close 关闭文件输出
func Close() error {
	logMu.Lock()
	defer logMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	logrus.SetOutput(os.Stdout)
	return err
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields 添加多个字段
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}
