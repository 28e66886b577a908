package log

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

const envLogPath = "VIDSCRIBE_LOG_PATH"

// ResolveDir picks the log directory: flagPath, then $VIDSCRIBE_LOG_PATH,
// then the per-OS default. Relative paths resolve against the working
// directory.
func ResolveDir(flagPath string) (string, error) {
	for _, p := range []string{flagPath, os.Getenv(envLogPath)} {
		if p == "" {
			continue
		}
		return filepath.Abs(p)
	}
	return defaultDir(runtime.GOOS, os.Getenv, os.UserHomeDir)
}

// defaultDir is ~/Library/Logs on macOS, %LOCALAPPDATA% on Windows and the
// XDG state directory elsewhere.
func defaultDir(goos string, getenv func(string) string, home func() (string, error)) (string, error) {
	if goos == "windows" {
		base := getenv("LOCALAPPDATA")
		if base == "" {
			return "", errors.New("LOCALAPPDATA is not set")
		}
		return filepath.Join(base, "vidscribe", "logs"), nil
	}
	h, err := home()
	if err != nil {
		return "", err
	}
	if goos == "darwin" {
		return filepath.Join(h, "Library", "Logs", "vidscribe"), nil
	}
	state := getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(h, ".local", "state")
	}
	return filepath.Join(state, "vidscribe", "logs"), nil
}
