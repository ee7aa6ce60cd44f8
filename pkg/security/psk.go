package security

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultPSKPath is read first; FallbackPSKPath is tried if it is absent,
// matching the "default plus fallback" file lookup the remote executor
// transport's handshake relies on.
const (
	DefaultPSKPath  = "/etc/warren/executor.psk"
	FallbackPSKPath = "/var/lib/warren/executor.psk"

	pskCacheTTL = 60 * time.Second
)

// PSKLoader reads the pre-shared key used for the remote executor
// transport's HMAC handshake from disk, caching it in memory for
// pskCacheTTL so a busy connection rate does not re-read the file on
// every dial.
type PSKLoader struct {
	paths []string

	mu       sync.Mutex
	cached   []byte
	cachedAt time.Time
}

// NewPSKLoader creates a loader trying each of paths in order; if paths
// is empty it defaults to DefaultPSKPath then FallbackPSKPath.
func NewPSKLoader(paths ...string) *PSKLoader {
	if len(paths) == 0 {
		paths = []string{DefaultPSKPath, FallbackPSKPath}
	}
	return &PSKLoader{paths: paths}
}

// Load returns the cached key if it is still fresh, otherwise re-reads
// the first existing path from disk.
func (l *PSKLoader) Load() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && time.Since(l.cachedAt) < pskCacheTTL {
		return l.cached, nil
	}

	var lastErr error
	for _, path := range l.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		key := []byte(strings.TrimSpace(string(data)))
		if len(key) == 0 {
			lastErr = fmt.Errorf("security: psk file %s is empty", path)
			continue
		}
		l.cached = key
		l.cachedAt = time.Now()
		return key, nil
	}
	return nil, fmt.Errorf("security: no readable psk file among %v: %w", l.paths, lastErr)
}

// Invalidate forces the next Load to re-read from disk, used after a
// handshake authentication failure that might indicate a rotated key.
func (l *PSKLoader) Invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}
