package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// ヘッダは magic(4) + version(1) + BLAKE2b-256 ダイジェスト(32) で、
// その直後にペイロードが続きます。
var fileMagic = []byte("PAGG")

const (
	fileVersion  = byte(1)
	headerLength = 4 + 1 + blake2b.Size256
)

// FileStore はローカルファイルシステム上の Store 実装です。
// レイアウトは <root>/<bucket>/<object> で、書き込みは一時ファイルへの
// 書き出しとリネームで行うため、途中で落ちても半端な内容は残りません。
type FileStore struct {
	root string
}

// NewFileStore は root 直下にオブジェクトを保存するストアを作ります。
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("object store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.root, key.Bucket(), key.ObjectName())
}

// Put はデータをダイジェスト付きで保存し、位置 URL を返します。
// 既存のオブジェクトは同じ座標への再保存で上書きされます（内容は座標
// から決まるため、正常系では同一内容の再書き込みになります）。
func (s *FileStore) Put(ctx context.Context, key Key, data []byte) (string, error) {
	dir := filepath.Join(s.root, key.Bucket())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bucket %s: %w", key.Bucket(), err)
	}

	digest := blake2b.Sum256(data)
	buf := make([]byte, 0, headerLength+len(data))
	buf = append(buf, fileMagic...)
	buf = append(buf, fileVersion)
	buf = append(buf, digest[:]...)
	buf = append(buf, data...)

	tmp, err := os.CreateTemp(dir, key.ObjectName()+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write object %s/%s: %w", key.Bucket(), key.ObjectName(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp object: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish object %s/%s: %w", key.Bucket(), key.ObjectName(), err)
	}
	return URL(key), nil
}

// Get はオブジェクトを読み出し、ダイジェストを検証してから返します。
func (s *FileStore) Get(ctx context.Context, key Key) ([]byte, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", key.Bucket(), key.ObjectName(), ErrNotFound)
		}
		return nil, fmt.Errorf("read object %s/%s: %w", key.Bucket(), key.ObjectName(), err)
	}
	if len(raw) < headerLength || !bytes.Equal(raw[:4], fileMagic) {
		return nil, fmt.Errorf("%s/%s: malformed header: %w", key.Bucket(), key.ObjectName(), ErrIntegrity)
	}
	if raw[4] != fileVersion {
		return nil, fmt.Errorf("%s/%s: unsupported version %d: %w", key.Bucket(), key.ObjectName(), raw[4], ErrIntegrity)
	}
	var stored [blake2b.Size256]byte
	copy(stored[:], raw[5:headerLength])
	payload := raw[headerLength:]
	if blake2b.Sum256(payload) != stored {
		return nil, fmt.Errorf("%s/%s: %w", key.Bucket(), key.ObjectName(), ErrIntegrity)
	}
	return payload, nil
}
