package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// holderInfo is diagnostic-only metadata written next to the lock
// directory's mkdir so an operator who hits ErrStorageLocked can tell who
// holds it. It is never read back to make locking decisions; mkdir's
// atomicity remains the sole mutex.
type holderInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	RunID      string    `json:"runId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

func writeHolderInfo(lockDir string) error {
	host, _ := os.Hostname()
	info := holderInfo{
		PID:        os.Getpid(),
		Hostname:   host,
		RunID:      uuid.New().String(),
		AcquiredAt: time.Now().UTC(),
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(lockDir, "holder.json"), strings.NewReader(string(b)))
}

// readHolderInfo best-effort reads the holder diagnostics file for
// lockDir, for inclusion in an ErrStorageLocked error message. A missing
// or unreadable file is not itself an error.
func readHolderInfo(lockDir string) (*holderInfo, error) {
	b, err := os.ReadFile(filepath.Join(lockDir, "holder.json"))
	if err != nil {
		return nil, err
	}
	var info holderInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
