package main

import (
	"os"
	"path/filepath"
	"runtime"
)

// lockDir picks where the instance lock lives: /run for the system agent,
// then $XDG_RUNTIME_DIR, then $XDG_STATE_HOME or ~/.local/state, and the
// temporary directory as a last resort.
func lockDir() string {
	if os.Geteuid() == 0 && runtime.GOOS == "linux" {
		return "/run"
	}

	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "otbr-agent")
	}

	switch runtime.GOOS {
	case "windows", "darwin", "ios", "plan9":
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "otbr-agent")
		}
	default:
		if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
			return filepath.Join(dir, "otbr-agent")
		} else if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".local", "state", "otbr-agent")
		}
	}

	return os.TempDir()
}

func defaultLockFile() string {
	return filepath.Join(lockDir(), "otbr-agent.lock")
}
