package logrecorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var logLevel = new(slog.LevelVar)

// 0 = slog.LevelDebug
// 1 = slog.LevelDebug
// 2 = slog.LevelInfo
// 3 = slog.LevelWarn
// 4 = slog.LevelError
func levelOf(level int) slog.Level {
	switch level {
	case 0, 1:
		return slog.LevelDebug
	case 2:
		return slog.LevelInfo
	case 3:
		return slog.LevelWarn
	case 4:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// SetLevel 修改所有由本包创建的 logger 的级别
func SetLevel(level int) {
	logLevel.Set(levelOf(level))
}

// NewLogger 创建写入 out 的文本 logger
func NewLogger(level int, out io.Writer) *slog.Logger {
	SetLevel(level)
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel}))
}

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	fullPath := filepath.Join(base, time.Now().Format("2006_01_02"))
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// Recorder 把日志写入按日期分目录、按时间命名的文件，可定时轮换
type Recorder struct {
	base string
	name string

	mu   sync.Mutex
	file *os.File
	path string
}

// Setup 打开 base/<日期>/<name><时间>.log
func Setup(base, name string) (*Recorder, error) {
	r := &Recorder{base: base, name: name}
	if err := r.Rotate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write 使 Recorder 可作为 slog handler 的输出
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	return r.file.Write(p)
}

// Path 返回当前日志文件路径
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Rotate 以新的时间戳重新打开日志文件
func (r *Recorder) Rotate() error {
	dir, err := MakeDir(r.base)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.name, NowString()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	r.mu.Lock()
	old := r.file
	r.file, r.path = f, path
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// InitAndRotate 每隔 every 轮换一次日志文件，直到 ctx 结束
func (r *Recorder) InitAndRotate(ctx context.Context, every time.Duration, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Rotate(); err != nil {
					// 轮换失败时继续写旧文件
					logger.Error("日志轮换失败", "err", err)
				}
			}
		}
	}()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
