package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// FileHash calculates the MD5 hash of a file
func FileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// BytesSHA256 returns the hex encoded sha256 of data
func BytesSHA256(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
