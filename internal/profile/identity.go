package profile

import (
	"fmt"
	"os"
	"strings"
)

// LoadIdentity reads the peer identity for a profile. The identity file is
// written by external provisioning tooling; pigeond never generates keys.
func LoadIdentity(name string) (string, error) {
	return readIdentityFile(IdentityPath(name))
}

func readIdentityFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("identity file %s is empty", path)
	}
	return id, nil
}
