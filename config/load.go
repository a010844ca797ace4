package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

func loadDefault(defaultValues string, cfg interface{}) error {
	if _, err := toml.Decode(defaultValues, cfg); err != nil {
		return err
	}
	return nil
}

func loadFile(path string, cfg interface{}) error {
	bs, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	cfgToml := string(bs)
	if _, err := toml.Decode(cfgToml, cfg); err != nil {
		return err
	}
	return nil
}

// loadDotEnv sets the variables of the .env file next to the configuration
// file, then the one in the working directory.  Variables already set in
// the environment are kept.
func loadDotEnv(filePath string) error {
	paths := []string{}
	if filePath != "" {
		paths = append(paths, filepath.Join(filepath.Dir(filePath), ".env"))
	}
	paths = append(paths, ".env")
	loaded := map[string]bool{}
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if loaded[abs] {
			continue
		}
		loaded[abs] = true
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return err
		}
	}
	return nil
}

func loadEnv(cfg interface{}) error {
	if err := env.Parse(cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig loads the default values, then the file at filePath, then the
// environment, each one overriding the previous
func LoadConfig(filePath string, defaultValues string, cfg interface{}) error {
	if err := loadDefault(defaultValues, cfg); err != nil {
		return fmt.Errorf("error loading default configuration: %w", err)
	}
	var errLoadFile error
	if filePath != "" {
		errLoadFile = loadFile(filePath, cfg)
	}
	if errLoadFile != nil {
		return fmt.Errorf("error loading configuration file: %w", errLoadFile)
	}
	if err := loadDotEnv(filePath); err != nil {
		return fmt.Errorf("error loading .env file: %w", err)
	}
	if err := loadEnv(cfg); err != nil {
		return fmt.Errorf("error loading environment variables: %w", err)
	}
	return nil
}
