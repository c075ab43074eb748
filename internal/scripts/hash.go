package scripts

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// HashCost is the bcrypt cost used for the exporter web config.
const HashCost = 10

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("basic auth password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), HashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

type webConfig struct {
	BasicAuthUsers map[string]string `yaml:"basic_auth_users"`
}

// WebConfig renders the exporter web configuration file for one user.
func WebConfig(user, hash string) (string, error) {
	out, err := yaml.Marshal(webConfig{BasicAuthUsers: map[string]string{user: hash}})
	if err != nil {
		return "", fmt.Errorf("failed to encode web config: %w", err)
	}
	return string(out), nil
}
