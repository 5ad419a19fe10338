package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the config file and layers VOXCLIENT_* environment
// variables on top. With an empty cfgfile only flags and environment apply.
func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix("voxclient")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	if cfgfile == "" {
		return v, nil
	}

	v.SetConfigFile(cfgfile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.WatchConfig()
	}

	return v, nil
}
