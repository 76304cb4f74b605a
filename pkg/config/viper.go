// Package config loads layered configuration: an optional .env file, a YAML
// file, then environment variables, each overriding the last.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Source says where to look for configuration.
type Source struct {
	// File, when set, is used as is and must exist.
	File string
	// Dirs are searched in order for Name.yaml when File is empty.
	Dirs []string
	Name string
	// EnvFile is loaded into the process environment without overriding
	// variables that are already set. A missing file is ignored.
	EnvFile string
}

// Load builds a viper instance from src. Nested keys map to upper-case
// environment variables with dots replaced by underscores.
func Load(src Source) (*viper.Viper, error) {
	if src.EnvFile != "" {
		if err := godotenv.Load(src.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", src.EnvFile, err)
		}
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if src.File != "" {
		v.SetConfigFile(src.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", src.File, err)
		}
		return v, nil
	}

	v.SetConfigName(src.Name)
	v.SetConfigType("yaml")
	for _, d := range src.Dirs {
		v.AddConfigPath(d)
	}
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// Watch calls onChange after the config file settles. Editors often write a
// file in several steps, so events within debounce of each other collapse
// into one call. It returns false when there is no file to watch.
func Watch(v *viper.Viper, debounce time.Duration, onChange func(*viper.Viper)) bool {
	if v.ConfigFileUsed() == "" {
		return false
	}
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() { onChange(v) })
	})
	v.WatchConfig()
	return true
}
