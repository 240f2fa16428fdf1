package main

import (
	"os"
	"path/filepath"
)

// resolveConfigPath returns --config when set, otherwise the first config
// found in the working directory or under ~/.config/llm-gateway.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	wd, err := os.Getwd()
	if err != nil {
		return defaultConfigFile
	}
	home, _ := os.UserHomeDir()
	found := findConfigInWithHome(wd, home)
	if found == filepath.Join(wd, defaultConfigFile) {
		return defaultConfigFile
	}
	return found
}

// findConfigIn looks for the config file in dir only.
func findConfigIn(dir string) string {
	return findConfigInWithHome(dir, "")
}

// findConfigInWithHome checks dir, then home/.config/llm-gateway. It returns
// the bare default name when neither has one so Load reports the missing file.
func findConfigInWithHome(dir, home string) string {
	p := filepath.Join(dir, defaultConfigFile)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	if home != "" {
		p = filepath.Join(home, ".config", appDir, defaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return defaultConfigFile
}
