package tunnel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// cloudflaredConfig is the subset of cloudflared's config.yml that carries
// a public hostname: either a top-level hostname or ingress rules.
type cloudflaredConfig struct {
	Hostname string `yaml:"hostname"`
	Ingress  []struct {
		Hostname string `yaml:"hostname"`
	} `yaml:"ingress"`
}

// hostnameFromConfig extracts the public hostname of a named tunnel from
// its cloudflared config file.
func hostnameFromConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("tunnel: reading %s: %w", path, err)
	}
	var cfg cloudflaredConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("tunnel: parsing %s: %w", path, err)
	}
	if cfg.Hostname != "" {
		return cfg.Hostname, nil
	}
	for _, rule := range cfg.Ingress {
		if rule.Hostname != "" {
			return rule.Hostname, nil
		}
	}
	return "", nil
}
