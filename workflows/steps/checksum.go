package steps

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// contentHash returns the hex SHA256 of everything read from r
func contentHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyImage checks a local firmware image against its expected digest
func verifyImage(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return merrors.WithContext(
			merrors.Wrap(err, merrors.ErrInvalidInput, "open firmware image"),
			map[string]interface{}{"path": path},
		)
	}
	defer f.Close()

	got, err := contentHash(f)
	if err != nil {
		return merrors.WithContext(
			merrors.Wrap(err, merrors.ErrInvalidInput, "hash firmware image"),
			map[string]interface{}{"path": path},
		)
	}
	if !strings.EqualFold(got, want) {
		return merrors.WithContext(
			merrors.New(merrors.ErrInvalidInput, "firmware image checksum mismatch"),
			map[string]interface{}{"path": path, "expected": want, "actual": got},
		)
	}
	return nil
}
