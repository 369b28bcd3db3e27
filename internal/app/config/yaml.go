package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func unmarshalYAML(expanded string, cfg *RuntimeConfig) error {
	return yaml.Unmarshal([]byte(expanded), cfg)
}

// LoadEnvFile loads a .env file into the process environment if it exists,
// so account credentials and tuning overrides can be supplied locally
// without exporting shell variables. Absence of the file is not an error.
func LoadEnvFile(envFilepath string) error {
	if envFilepath == "" {
		return nil
	}

	if _, err := os.Stat(envFilepath); err != nil {
		return nil
	}

	if err := godotenv.Load(envFilepath); err != nil {
		return fmt.Errorf("load environment file %q: %w", envFilepath, err)
	}

	return nil
}
