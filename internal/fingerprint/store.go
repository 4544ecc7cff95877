package fingerprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nklact/norma-identity/internal/model"
)

// Store はフィンガープリントレコードの永続化インターフェース。
type Store interface {
	// Load は保存済みレコードを返す。未保存の場合はnilを返す。
	Load() (*model.FingerprintRecord, error)

	// Save はレコードを保存する。
	Save(record *model.FingerprintRecord) error
}

// FileStore はJSONファイルにレコードを保存するStore実装。
type FileStore struct {
	path string
}

// NewFileStore はFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load は保存済みレコードを読み込む。ファイルがない場合はnilを返す。
// 壊れたファイルは未保存として扱う（呼び出し側で再生成される）。
func (s *FileStore) Load() (*model.FingerprintRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fingerprint file: %w", err)
	}

	var record model.FingerprintRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, nil
	}
	if !IsValid(record.Value) {
		return nil, nil
	}
	return &record, nil
}

// Save はレコードを一時ファイル経由でアトミックに書き込む。
func (s *FileStore) Save(record *model.FingerprintRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprint record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create fingerprint directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write fingerprint file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace fingerprint file: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*FileStore)(nil)
