package helper

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigDir names a directory searched before the working directory
	EnvConfigDir = "WSHUB_CONFIG_DIR"
	// EnvRunDir names the directory that holds the PID file
	EnvRunDir = "WSHUB_RUN_DIR"

	systemConfigDir = "/etc/wshub"
	systemRunDir    = "/var/run/wshub"
)

// ConfigPath resolves a configuration file name. Absolute names are used as
// given. Relative names are looked up in $WSHUB_CONFIG_DIR, the working
// directory and ./configs, in that order. A name found nowhere resolves to
// /etc/wshub so the load error names a useful path.
func ConfigPath(filename string) string {
	if filename == "" || filepath.IsAbs(filename) {
		return filename
	}
	var dirs []string
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		dirs = append(dirs, dir)
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd, filepath.Join(wd, "configs"))
	}
	for _, dir := range dirs {
		if p, ok := existing(filepath.Join(dir, filename)); ok {
			return p
		}
	}
	return filepath.Join(systemConfigDir, filename)
}

// PIDPath resolves where the PID file of a running hub lives. Relative names
// go under $WSHUB_RUN_DIR when set, otherwise the working directory. An empty
// name means wshub.pid in the system run directory.
func PIDPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if filename == "" {
		return filepath.Join(systemRunDir, "wshub.pid")
	}
	if dir := os.Getenv(EnvRunDir); dir != "" {
		return filepath.Join(dir, filename)
	}
	wd, err := os.Getwd()
	if err != nil {
		return filepath.Join(systemRunDir, filepath.Base(filename))
	}
	p := filepath.Join(wd, filename)
	if _, err := os.Stat(filepath.Dir(p)); err != nil {
		return filepath.Join(systemRunDir, filepath.Base(filename))
	}
	return p
}

func existing(p string) (string, bool) {
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	return abs, true
}
