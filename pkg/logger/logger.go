// pkg/logger/logger.go

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Уровни логирования
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

var levelPriority = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

type Logger struct {
	mu        sync.Mutex
	logFile   *os.File
	out       *log.Logger
	console   io.Writer
	logLevel  string // Уровень логирования
	debugMode bool
}

// NewLogger создает логгер, пишущий в stdout и в файл logPath.
// Пустой logPath означает только консоль.
func NewLogger(logPath string, logLevel string, debug bool) (*Logger, error) {
	var (
		file   *os.File
		writer io.Writer = os.Stdout
	)

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		file = f
		writer = io.MultiWriter(os.Stdout, f)
	}

	return NewWithWriter(writer, logLevel, debug, file), nil
}

// NewWithWriter создает логгер поверх произвольного writer.
func NewWithWriter(w io.Writer, logLevel string, debug bool, file *os.File) *Logger {
	return &Logger{
		logFile:   file,
		out:       log.New(w, "", 0),
		console:   w,
		logLevel:  strings.ToUpper(logLevel),
		debugMode: debug,
	}
}

// shouldLog проверяет, нужно ли логировать сообщение на данном уровне
func (l *Logger) shouldLog(level string) bool {
	currentPriority, ok1 := levelPriority[l.logLevel]
	msgPriority, ok2 := levelPriority[level]

	if !ok1 || !ok2 {
		return true // Если неизвестный уровень, логируем всё
	}

	return msgPriority >= currentPriority
}

func (l *Logger) log(level string, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format("2006-01-02 15:04:05")

	// Цвета для консоли
	color := ""
	reset := ""
	if l.debugMode {
		switch level {
		case LevelDebug:
			color = "\033[36m" // Cyan
		case LevelInfo:
			color = "\033[32m" // Green
		case LevelWarn:
			color = "\033[33m" // Yellow
		case LevelError:
			color = "\033[31m" // Red
		case LevelFatal:
			color = "\033[35m" // Magenta
		}
		reset = "\033[0m"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("%s[%s] %s %s%s", color, level, timestamp, msg, reset)
}

// Методы для разных уровней
func (l *Logger) Debug(format string, v ...interface{}) {
	l.log(LevelDebug, format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.log(LevelInfo, format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.log(LevelWarn, format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.log(LevelError, format, v...)
}

func (l *Logger) Fatal(format string, v ...interface{}) {
	l.log(LevelFatal, format, v...)
	os.Exit(1)
}

// Status печатает блок состояния, ключи в алфавитном порядке
func (l *Logger) Status(stats map[string]string) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.console, strings.Repeat("─", 50))
	fmt.Fprintln(l.console, "📊 СТАТУС СИСТЕМЫ")
	for _, key := range keys {
		fmt.Fprintf(l.console, "   %-20s: %s\n", key, stats[key])
	}
	fmt.Fprintln(l.console, strings.Repeat("─", 50))
}

func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Close()
	}
}
