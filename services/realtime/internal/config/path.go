package config

import "os"

// ConfigPath is the default config file, overridable with CONFIG_PATH.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return "config.yaml"
}
