package updater

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Compose patches the node's docker-compose deployment descriptor so
// environment and volume changes survive a container recreate.
type Compose struct {
	Path    string
	Service string

	logger *slog.Logger
}

// NewCompose returns a patcher for the named service in the compose
// file at path.
func NewCompose(path, service string) *Compose {
	return &Compose{
		Path:    path,
		Service: service,
		logger:  slog.With("component", "compose"),
	}
}

// Exists reports whether the descriptor is present on disk. Bare-metal
// installs have none; patching is skipped for them.
func (c *Compose) Exists() bool {
	if c == nil || c.Path == "" {
		return false
	}
	_, err := os.Stat(c.Path)
	return err == nil
}

// Patch sets environment variables on the service and ensures the given
// bind-mount entries are present, then writes the descriptor back.
func (c *Compose) Patch(env map[string]string, volumes []string) error {
	data, err := os.ReadFile(c.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", c.Path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", c.Path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	services, ok := doc["services"].(map[string]any)
	if !ok {
		services = map[string]any{}
		doc["services"] = services
	}

	svc, ok := services[c.Service].(map[string]any)
	if !ok {
		svc = map[string]any{}
		services[c.Service] = svc
	}

	environment, ok := svc["environment"].(map[string]any)
	if !ok {
		environment = map[string]any{}
		svc["environment"] = environment
	}
	for k, v := range env {
		environment[k] = v
	}

	mounts, _ := svc["volumes"].([]any)
	for _, want := range volumes {
		found := false
		for _, m := range mounts {
			if s, ok := m.(string); ok && s == want {
				found = true
				break
			}
		}
		if !found {
			mounts = append(mounts, want)
		}
	}
	if len(mounts) > 0 {
		svc["volumes"] = mounts
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", c.Path, err)
	}

	if err := os.WriteFile(c.Path, out, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", c.Path, err)
	}

	c.logger.Info("descriptor patched", "path", c.Path, "service", c.Service)
	return nil
}
