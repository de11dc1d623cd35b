package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadDecryptedFile reads and opens an encrypted snapshot file.
func ReadDecryptedFile(path string, key MasterKey) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return OpenSnapshot(key, raw)
}

// WriteEncryptedJSON marshals v, seals it and replaces path via a rename so a
// crash never leaves a half-written snapshot behind.
func WriteEncryptedJSON(path string, key MasterKey, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := SealSnapshot(key, payload)
	zeroBytes(payload)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
