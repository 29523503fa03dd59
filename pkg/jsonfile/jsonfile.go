// Package jsonfile reads and writes JSON model files. Paths ending in ".zst"
// are zstd compressed. Writes replace the file atomically.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
)

func encoder() (*zstd.Encoder, error) {
	encOnce.Do(func() { enc, encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)) })
	return enc, encErr
}

func decoder() (*zstd.Decoder, error) {
	decOnce.Do(func() { dec, decErr = zstd.NewReader(nil) })
	return dec, decErr
}

// Compressed reports whether path selects zstd.
func Compressed(path string) bool { return strings.HasSuffix(path, ".zst") }

// Save writes v as JSON to path.
func Save(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if Compressed(path) {
		e, err := encoder()
		if err != nil {
			return err
		}
		b = e.EncodeAll(b, nil)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Load decodes path into v. A missing file returns an error matching
// os.ErrNotExist.
func Load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if Compressed(path) {
		d, err := decoder()
		if err != nil {
			return err
		}
		if b, err = d.DecodeAll(b, nil); err != nil {
			return fmt.Errorf("decompress %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// NotExist reports whether err is a missing file.
func NotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }
