// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads API keys from a directory of plain-text files and
// from a dotenv file. In the directory, each file is one secret: the filename
// is the key name and the trimmed contents are the value.
//
// Supported keys: openai-api-key (env OPENAI_API_KEY).
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// OpenAIKey is the secret name of the OpenAI API key.
const OpenAIKey = "openai-api-key"

// envNames maps secret names to the environment variables that may carry them.
var envNames = map[string]string{
	OpenAIKey: "OPENAI_API_KEY",
}

// Load reads all files in dir and returns a map of filename to trimmed contents.
// A missing directory is not an error; Load returns an empty map.
// Unreadable files produce a warning on stderr but do not abort.
func Load(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	secrets := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not read secret %s: %v\n", entry.Name(), err)
			continue
		}
		if value := strings.TrimSpace(string(data)); value != "" {
			secrets[entry.Name()] = value
		}
	}
	return secrets, nil
}

// LoadEnvFile merges values from a dotenv file into secrets, translating
// known environment names (OPENAI_API_KEY) to secret names. Values already
// present in secrets win. A missing file is not an error.
func LoadEnvFile(path string, secrets map[string]string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("reading env file %s: %w", path, err)
	}
	for name, envName := range envNames {
		if _, ok := secrets[name]; ok {
			continue
		}
		if v := strings.TrimSpace(env[envName]); v != "" {
			secrets[name] = v
		}
	}
	return nil
}

// Resolve returns the secret for name, preferring an explicit value, then
// the process environment, then the loaded secrets.
func Resolve(secrets map[string]string, name, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envName, ok := envNames[name]; ok {
		if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
			return v
		}
	}
	return secrets[name]
}
