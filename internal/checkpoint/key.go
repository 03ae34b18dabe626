package checkpoint

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
)

// KeyEnv overrides any key file when set.
const KeyEnv = "AUTOPERF_CHECKPOINT_KEY"

const keySize = 32

// LoadKey resolves the HMAC key: the KeyEnv variable if set, otherwise the
// contents of path. A hex-encoded file is decoded; anything else is used as
// raw bytes. When create is true and path does not exist, a random key is
// generated and written with mode 0600. The second result reports whether a
// key was generated.
func LoadKey(path string, create bool) ([]byte, bool, error) {
	if v := os.Getenv(KeyEnv); v != "" {
		return []byte(v), false, nil
	}
	if path == "" {
		return nil, false, fmt.Errorf("%w: no checkpoint key file configured and %s is unset", fault.ErrInvalidConfig, KeyEnv)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && create {
		key := make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("generating checkpoint key: %w", err)
		}
		if err := fsutil.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
			return nil, false, fmt.Errorf("writing checkpoint key: %w", err)
		}
		return key, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading checkpoint key: %w", fault.ErrInvalidConfig, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("%w: checkpoint key file %s is empty", fault.ErrInvalidConfig, path)
	}
	if key, err := hex.DecodeString(string(trimmed)); err == nil {
		return key, false, nil
	}
	return trimmed, false, nil
}
