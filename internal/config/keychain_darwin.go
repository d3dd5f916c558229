//go:build darwin

package config

import (
	"os/exec"
	"strings"
)

// readSecret prefers the login Keychain and falls back to the secrets file
// so the same setup works for launchd jobs without Keychain access.
func readSecret(service, account string) (string, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	return readSecretsFile(secretsFilePath(), service, account)
}
