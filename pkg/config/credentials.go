package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/itsharex/proxycast/pkg/credential"
)

// credentialFile is the on-disk shape of the credential list.
type credentialFile struct {
	Credentials []*credential.Credential `yaml:"credentials"`
}

// LoadCredentials reads the credential file and validates every entry.
// Entries without a status start healthy.
func LoadCredentials(path string) ([]*credential.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file %q: %w", path, err)
	}

	var file credentialFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse credential file %q: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Credentials))
	for i, cred := range file.Credentials {
		if cred.ID == "" {
			return nil, fmt.Errorf("credential %d: missing id", i)
		}
		if seen[cred.ID] {
			return nil, fmt.Errorf("credential %q: duplicate id", cred.ID)
		}
		seen[cred.ID] = true
		if cred.ProviderID == "" {
			return nil, fmt.Errorf("credential %q: missing provider_id", cred.ID)
		}
		if err := cred.Auth.Validate(); err != nil {
			return nil, fmt.Errorf("credential %q: %w", cred.ID, err)
		}
		if cred.Status == "" {
			cred.Status = credential.StatusHealthy
		}
	}
	return file.Credentials, nil
}
