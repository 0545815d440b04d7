// Package pacelog configures the process-wide zerolog logger. Hook processes
// must never write diagnostics to stdout -- that stream is reserved for the
// host-facing JSON contract -- so the default writer is a rotating file.
package pacelog

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls where and how the logger writes.
type Config struct {
	// Dir is the directory rotated log files live under.
	Dir string
	// Component tags every record, e.g. the hook subcommand name.
	Component string
	// Level is a zerolog level name ("debug", "info", "warn", "error"); empty
	// defaults to "info".
	Level string
	// Console, when true, mirrors output to stderr as well (interactive CLI use).
	Console bool
	// MaxSizeBytes rotates the active file once it grows past this size.
	MaxSizeBytes int64
	// MaxBackups bounds how many rotated+compressed files are retained.
	MaxBackups int
}

const (
	defaultMaxSize    = 10 * 1024 * 1024
	defaultMaxBackups = 5
)

// Init configures the global zerolog logger per cfg and returns a component
// logger bound to cfg.Component. Safe to call once per process.
func Init(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if cfg.Dir != "" {
		maxSize := cfg.MaxSizeBytes
		if maxSize <= 0 {
			maxSize = defaultMaxSize
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = defaultMaxBackups
		}
		writers = append(writers, &rotatingWriter{
			dir:        cfg.Dir,
			name:       "pacemaker-hook.log",
			maxSize:    maxSize,
			maxBackups: maxBackups,
		})
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.Component != "" {
		logger = logger.With().Str("component", cfg.Component).Logger()
	}
	log.Logger = logger
	return logger
}

// rotatingWriter appends to dir/name, rotating (and gzip-compressing the
// rotated file) once the active file exceeds maxSize, and pruning old
// compressed backups past maxBackups.
type rotatingWriter struct {
	dir        string
	name       string
	maxSize    int64
	maxBackups int

	f    *os.File
	size int64
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	if err := w.ensureOpen(); err != nil {
		return 0, err
	}
	if w.size+int64(len(p)) > w.maxSize && w.size > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(w.dir, w.name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	w.f = nil

	activePath := filepath.Join(w.dir, w.name)
	rotatedPath := activePath + "." + time.Now().UTC().Format("20060102T150405") + ".gz"
	if err := compressAndRemove(activePath, rotatedPath); err != nil {
		return err
	}
	w.pruneBackups()
	return w.ensureOpen()
}

func compressAndRemove(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		_ = gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

func (w *rotatingWriter) pruneBackups() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".gz" {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups)
	for len(backups) > w.maxBackups {
		_ = os.Remove(filepath.Join(w.dir, backups[0]))
		backups = backups[1:]
	}
}
