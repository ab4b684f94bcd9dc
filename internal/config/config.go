package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/web-casa/dockerops/internal/model"
)

// Config holds all application configuration. It is built once in main and
// passed to the services that need it.
type Config struct {
	DataDir         string           // state directory root
	DBPath          string           // SQLite database path
	WorkDir         string           // where source trees are cloned
	ImagePullPolicy model.PullPolicy // always | ifnotpresent
	ImageScope      model.ImageScope // source | global
	DockerHost      string           // Docker Engine API endpoint
	Repos           []string         // source URLs seeded by the daemon
	Interval        time.Duration    // daemon reconcile interval
	APIAddr         string           // status API listen address, empty disables it
	JWTSecret       string           // API token signing secret
	APIPasswordHash string           // bcrypt hash of the API password
	LogLevel        slog.Level
	GitToken        string // token for https clones
	SSHKeyPath      string // private key for ssh clones
	Owner           string // user that owns materialized volume content
}

// fileConfig mirrors the optional TOML configuration file.
type fileConfig struct {
	DataDir         string   `toml:"data_dir"`
	DBPath          string   `toml:"db_path"`
	WorkDir         string   `toml:"work_dir"`
	ImagePullPolicy string   `toml:"image_pull_policy"`
	ImageScope      string   `toml:"image_scope"`
	DockerHost      string   `toml:"docker_host"`
	Repos           []string `toml:"repos"`
	Interval        string   `toml:"interval"`
	APIAddr         string   `toml:"api_addr"`
	JWTSecret       string   `toml:"jwt_secret"`
	APIPasswordHash string   `toml:"api_password_hash"`
	LogLevel        string   `toml:"log_level"`
	GitToken        string   `toml:"git_token"`
	SSHKey          string   `toml:"ssh_key"`
	Owner           string   `toml:"owner"`
}

// Load reads the optional TOML file at path, then applies environment
// variables on top of it. An empty path falls back to DOCKEROPS_CONFIG.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	if path == "" {
		path = getenv("DOCKEROPS_CONFIG")
	}

	file := &fileConfig{}
	if path != "" {
		if _, err := toml.DecodeFile(path, file); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	pick := func(key, fromFile, defaultVal string) string {
		if val := getenv(key); val != "" {
			return val
		}
		if fromFile != "" {
			return fromFile
		}
		return defaultVal
	}

	dataDir := pick("DOCKEROPS_DATA_DIR", file.DataDir, defaultDataDir(getenv))

	cfg := &Config{
		DataDir:         dataDir,
		DBPath:          pick("DOCKEROPS_DB_PATH", file.DBPath, filepath.Join(dataDir, "dockerops.db")),
		WorkDir:         pick("DOCKEROPS_WORK_DIR", file.WorkDir, os.TempDir()),
		DockerHost:      pick("DOCKEROPS_DOCKER_HOST", file.DockerHost, "unix:///var/run/docker.sock"),
		APIAddr:         pick("DOCKEROPS_API_ADDR", file.APIAddr, ""),
		JWTSecret:       pick("DOCKEROPS_JWT_SECRET", file.JWTSecret, ""),
		APIPasswordHash: pick("DOCKEROPS_API_PASSWORD_HASH", file.APIPasswordHash, ""),
		GitToken:        pick("GITHUB_TOKEN", file.GitToken, ""),
		SSHKeyPath:      pick("DOCKEROPS_SSH_KEY", file.SSHKey, ""),
		Owner:           resolveOwner(file.Owner, getenv),
	}

	var err error
	cfg.ImagePullPolicy, err = model.ParsePullPolicy(pick("DOCKEROPS_IMAGE_PULL_POLICY", file.ImagePullPolicy, string(model.PullIfNotPresent)))
	if err != nil {
		return nil, err
	}
	cfg.ImageScope, err = model.ParseImageScope(pick("DOCKEROPS_IMAGE_SCOPE", file.ImageScope, string(model.ScopeSource)))
	if err != nil {
		return nil, err
	}

	interval := pick("DOCKEROPS_INTERVAL", file.Interval, "5m")
	cfg.Interval, err = time.ParseDuration(interval)
	if err != nil || cfg.Interval <= 0 {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(pick("DOCKEROPS_LOG_LEVEL", file.LogLevel, "info"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg.Repos = file.Repos
	if env := getenv("DOCKEROPS_REPOS"); env != "" {
		cfg.Repos = splitList(env)
	}

	return cfg, nil
}

// EnsureDirs creates the state directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, filepath.Dir(c.DBPath), c.WorkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func defaultDataDir(getenv func(string) string) string {
	home := getenv("HOME")
	if home == "" {
		home = getenv("USERPROFILE")
	}
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".dockerops")
}

// resolveOwner prefers the user who invoked sudo so that content staged by a
// root process stays readable by that user's containers.
func resolveOwner(fromFile string, getenv func(string) string) string {
	if fromFile != "" {
		return fromFile
	}
	for _, key := range []string{"SUDO_USER", "USER"} {
		if val := getenv(key); val != "" {
			return val
		}
	}
	return "1000"
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
