// Package source acquires source trees by cloning git repositories.
package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/web-casa/dockerops/internal/errdefs"
)

type runFunc func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// GitSource clones repositories into fresh directories under workDir.
type GitSource struct {
	workDir    string
	token      string // sent as a basic credential on https clones
	sshKeyPath string // private key for ssh clones
	run        runFunc
	logger     *slog.Logger
}

// NewGitSource creates a GitSource. token and sshKeyPath are optional.
func NewGitSource(workDir, token, sshKeyPath string, logger *slog.Logger) *GitSource {
	return &GitSource{
		workDir:    workDir,
		token:      token,
		sshKeyPath: sshKeyPath,
		run:        execRun,
		logger:     logger,
	}
}

// NormalizeURL turns a bare github.com/owner/repo into an https URL.
func NormalizeURL(url string) string {
	url = strings.TrimSpace(url)
	if strings.HasPrefix(url, "github.com/") {
		return "https://" + url
	}
	return url
}

// Acquire shallow-clones url and returns the checkout path. The caller must
// Release it.
func (g *GitSource) Acquire(ctx context.Context, url string) (string, error) {
	cloneURL := NormalizeURL(url)
	dir := filepath.Join(g.workDir, "dockerops-"+uuid.NewString())

	if err := os.MkdirAll(g.workDir, 0755); err != nil {
		return "", &errdefs.FetchError{URL: SanitizeURL(cloneURL), Err: err}
	}

	// credentials go through the environment so they stay out of argv
	var env []string
	if g.token != "" && strings.HasPrefix(cloneURL, "https://") {
		cred := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + g.token))
		env = append(env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraHeader",
			"GIT_CONFIG_VALUE_0=Authorization: Basic "+cred,
		)
	}
	if g.sshKeyPath != "" {
		env = append(env, "GIT_SSH_COMMAND=ssh -i "+shellQuote(g.sshKeyPath)+" -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new")
	}
	args := []string{"clone", "--depth", "1", cloneURL, dir}

	g.logger.Info("cloning source", "url", SanitizeURL(cloneURL), "dir", dir)
	output, err := g.run(ctx, env, "git", args...)
	if err != nil {
		os.RemoveAll(dir)
		msg := strings.TrimSpace(string(output))
		if g.token != "" {
			msg = strings.ReplaceAll(msg, g.token, "***")
		}
		return "", &errdefs.FetchError{
			URL: SanitizeURL(cloneURL),
			Err: fmt.Errorf("git clone failed: %w: %s", err, msg),
		}
	}
	return dir, nil
}

// shellQuote wraps s in single quotes for the shell git runs
// GIT_SSH_COMMAND with.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Release removes a checkout. Failures are logged only.
func (g *GitSource) Release(path string) {
	if path == "" {
		return
	}
	rel, err := filepath.Rel(g.workDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		g.logger.Warn("refusing to remove path outside work dir", "path", path)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		g.logger.Warn("failed to remove source checkout", "path", path, "err", err)
	}
}

// SanitizeURL redacts credentials from a git URL for logging.
func SanitizeURL(url string) string {
	if idx := strings.Index(url, "://"); idx != -1 {
		rest := url[idx+3:]
		if atIdx := strings.Index(rest, "@"); atIdx != -1 {
			return url[:idx+3] + "***@" + rest[atIdx+1:]
		}
	}
	return url
}
