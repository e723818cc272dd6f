package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// FingerprintReader returns the hex sha256 over everything r yields.
func FingerprintReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return FingerprintReader(f)
}
