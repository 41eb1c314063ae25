package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrWriterClosed is returned by writes to a closed DailyFileWriter.
var ErrWriterClosed = errors.New("log writer is closed")

const logDateLayout = "2006-01-02"

// DailyFileWriter is an io.Writer appending to {service}_{date}.log in a
// directory and switching files when the date changes. The switch happens on
// the first write of a new day and on an hourly check. Safe for concurrent use.
type DailyFileWriter struct {
	service string
	dir     string
	now     func() time.Time

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDailyFileWriter opens today's log file in dir, which must exist.
//
// Parameters:
//   - service: Service name used in log file names
//   - dir: Directory path for log files
//
// Returns:
//   - The new DailyFileWriter, or an error if the file could not be opened
func NewDailyFileWriter(service, dir string) (*DailyFileWriter, error) {
	return newDailyFileWriter(service, dir, time.Now)
}

func newDailyFileWriter(service, dir string, now func() time.Time) (*DailyFileWriter, error) {
	w := &DailyFileWriter{
		service: service,
		dir:     dir,
		now:     now,
		stop:    make(chan struct{}),
	}

	w.mu.Lock()
	err := w.openLocked()
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go w.rotateHourly()
	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWriterClosed
	}

	if w.now().Format(logDateLayout) != w.date {
		if err := w.openLocked(); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

// ForceRotate reopens the log file for the current date, for example after an
// external tool moved it away.
func (w *DailyFileWriter) ForceRotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	return w.openLocked()
}

// CurrentLogFile returns the path being written to, or "" once closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.date)
}

// Close stops the hourly check and closes the current file. Idempotent.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}

	w.closed = true
	close(w.stop)
	err := w.file.Close()
	w.file = nil
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *DailyFileWriter) rotateHourly() {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && w.now().Format(logDateLayout) != w.date {
				_ = w.openLocked()
			}
			w.mu.Unlock()
		}
	}
}

// openLocked switches to the file for the current date; caller must hold w.mu.
func (w *DailyFileWriter) openLocked() error {
	date := w.now().Format(logDateLayout)
	file, err := os.OpenFile(w.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = file
	w.date = date
	return nil
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}
