// Package audit appends raw device frames to daily log files.
package audit

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends one line per frame to <dir>/<prefix>_YYYYMMDD.log.
type Writer struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

func (w *Writer) path(prefix string, t time.Time) string {
	return filepath.Join(w.dir, prefix+"_"+t.Format("20060102")+".log")
}

// Frame records a full frame received from imei as hex.
func (w *Writer) Frame(imei string, frame []byte) error {
	return w.Line(imei, hex.EncodeToString(frame))
}

// Line appends "HH:MM:SS - message" to the current file for prefix.
func (w *Writer) Line(prefix, message string) error {
	t := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path(prefix, t), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(t.Format("15:04:05") + " - " + message + "\n")
	return err
}
