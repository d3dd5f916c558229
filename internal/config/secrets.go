package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const secretService = "shelf"

func secretsFilePath() string {
	if p := os.Getenv(EnvPrefix + "SECRETS_FILE"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "shelf", "secrets.json")
}

// readSecretsFile looks account up in a JSON file of the form
// {"<service>": {"<account>": "<value>"}}.
func readSecretsFile(path, service, account string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("no secret %s/%s in %s", service, account, path)
	}
	return val, nil
}
