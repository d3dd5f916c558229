//go:build !darwin

package config

func readSecret(service, account string) (string, error) {
	return readSecretsFile(secretsFilePath(), service, account)
}
