package worker

import (
	"crypto/rand"
	"fmt"
	"runtime"
)

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const secretLength = 64

// generateSecret returns a fresh 64-character cryptographically random
// alphanumeric string, used as the worker's half of its registration
// credentials.
func generateSecret() (string, error) {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating worker secret: %w", err)
	}
	for i, b := range buf {
		buf[i] = secretAlphabet[int(b)%len(secretAlphabet)]
	}
	return string(buf), nil
}

// detectPlatform maps runtime.GOOS onto the three platforms the manager
// understands, failing fast (before any network call) if this process is
// running somewhere the manager has no support for.
func detectPlatform() (string, error) {
	switch runtime.GOOS {
	case "linux", "windows", "darwin":
		return runtime.GOOS, nil
	default:
		return "", fmt.Errorf("unsupported platform %q", runtime.GOOS)
	}
}
