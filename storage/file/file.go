// Package file stores session documents as files in a directory. Writes are
// atomic (temp file plus rename) and documents may be zstd compressed.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/storage"
	"github.com/klauspost/compress/zstd"
)

// Every file starts with a one byte tag naming its compression, so a store
// can read documents written with a different Compress setting.
const (
	tagNone byte = 0
	tagZstd byte = 2
)

const fileExt = ".doc"

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("file: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("file: zstd decoder initialization failed: " + err.Error())
	}
}

// Options configures a Store.
type Options struct {
	Compress bool
	Perm     fs.FileMode
	Logger   logging.Logger
}

// Store is a storage.Backend writing one file per key.
type Store struct {
	dir  string
	opts Options
	log  logging.Logger
}

var _ storage.Backend = (*Store)(nil)

// New creates dir if needed and returns a store rooted there.
func New(dir string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Perm: 0o600}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	return &Store{dir: dir, opts: opts, log: logging.OrNoOp(opts.Logger)}, nil
}

// Path returns the file a key is stored in.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+fileExt)
}

// Load implements storage.Backend.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("read %s: empty file", key)
	}

	switch raw[0] {
	case tagNone:
		return raw[1:], nil
	case tagZstd:
		data, err := zstdDecoder.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("read %s: unknown compression tag %d", key, raw[0])
	}
}

// Save implements storage.Backend.
func (s *Store) Save(_ context.Context, key string, data []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	var payload []byte
	if s.opts.Compress {
		payload = append([]byte{tagZstd}, zstdEncoder.EncodeAll(data, nil)...)
	} else {
		payload = append([]byte{tagNone}, data...)
	}

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", key, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", key, err)
	}

	if err := os.Chmod(tmpName, s.opts.Perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", key, err)
	}

	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", key, err)
	}

	s.log.Debug("storage.file.saved", "key", key, "bytes", len(payload), "compressed", s.opts.Compress)

	return nil
}

// Delete implements storage.Backend. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	return nil
}
