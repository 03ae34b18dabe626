package counters

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
)

// ReadFile reads a COUNTERS file: one event name per line. Blank lines and
// lines starting with '#' are skipped.
func ReadFile(path string) ([]ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading counters file: %w", fault.ErrInvalidConfig, err)
	}

	var ids []ID
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, ID(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning counters file: %w", fault.ErrInvalidConfig, err)
	}
	return ids, nil
}

// WriteFile writes ids one per line, replacing path atomically.
func WriteFile(path string, ids []ID) error {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(string(id))
		buf.WriteByte('\n')
	}
	return fsutil.WriteFile(path, buf.Bytes(), 0o644)
}
