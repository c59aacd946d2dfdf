package config

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds agent configuration loaded from /etc/rebnode/config.yaml
// (or the path given on the command line), with environment overrides
// for the knobs the panel deployment scripts set.
type Config struct {
	// Listen is the TCP address the control API binds to.
	Listen string `yaml:"listen"`
	// APIKey, when set, is required as a bearer token on every request.
	APIKey string `yaml:"api_key"`

	Xray struct {
		// ExecutablePath is the engine binary.
		ExecutablePath string `yaml:"executable_path"`
		// AssetsPath is handed to the engine as its geo asset location.
		AssetsPath string `yaml:"assets_path"`
	} `yaml:"xray"`

	Update struct {
		// InstallDir receives downloaded engine binaries.
		InstallDir string `yaml:"install_dir"`
		// AssetsDir receives downloaded geo assets.
		AssetsDir string `yaml:"assets_dir"`
		// ComposeFile is the deployment descriptor to patch; empty
		// disables patching.
		ComposeFile string `yaml:"compose_file"`
		// ServiceName is the compose service (and container) to
		// patch and redeploy.
		ServiceName string `yaml:"service_name"`
	} `yaml:"update"`
}

// DefaultPath is where the agent looks for its config file.
const DefaultPath = "/etc/rebnode/config.yaml"

// Load reads a YAML config file, fills in defaults, and applies
// environment overrides. A missing file yields the default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:62050"
	}
	if c.Xray.ExecutablePath == "" {
		c.Xray.ExecutablePath = "/usr/local/bin/xray"
	}
	if c.Xray.AssetsPath == "" {
		c.Xray.AssetsPath = "/usr/local/share/xray"
	}
	if c.Update.InstallDir == "" {
		c.Update.InstallDir = "/var/lib/rebnode/xray-core"
	}
	if c.Update.AssetsDir == "" {
		c.Update.AssetsDir = "/var/lib/rebnode/assets"
	}
	if c.Update.ComposeFile == "" {
		c.Update.ComposeFile = "/opt/rebnode/docker-compose.yml"
	}
	if c.Update.ServiceName == "" {
		c.Update.ServiceName = "rebnode"
	}
}

// applyEnv applies the environment overrides the deployment scripts
// use; they win over the file.
func (c *Config) applyEnv() {
	setFromEnv(&c.Listen, "REBNODE_LISTEN")
	setFromEnv(&c.APIKey, "REBNODE_API_KEY")
	setFromEnv(&c.Xray.ExecutablePath, "XRAY_EXECUTABLE_PATH")
	setFromEnv(&c.Xray.AssetsPath, "XRAY_ASSETS_PATH")
	setFromEnv(&c.Update.ComposeFile, "REBNODE_COMPOSE_FILE")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
