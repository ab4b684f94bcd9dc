// Package volume stages binding volumes from a source tree into shared NFS
// storage.
package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/web-casa/dockerops/internal/errdefs"
	"github.com/web-casa/dockerops/internal/model"
)

const (
	dirMode  os.FileMode = 0755
	fileMode os.FileMode = 0644
)

// Owner is the numeric identity materialized content is handed to.
type Owner struct {
	UID int
	GID int
}

// LookupOwner resolves a user name or numeric id. A numeric value is used
// for both uid and gid.
func LookupOwner(name string) (Owner, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return Owner{UID: id, GID: id}, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return Owner{}, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Owner{}, fmt.Errorf("user %s has non-numeric uid %q", name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Owner{}, fmt.Errorf("user %s has non-numeric gid %q", name, u.Gid)
	}
	return Owner{UID: uid, GID: gid}, nil
}

// Materializer copies binding volumes into NFS storage.
type Materializer struct {
	owner    *Owner
	ownerErr error
	logger   *slog.Logger
}

// NewMaterializer creates a Materializer that hands content to ownerName.
// An unresolvable owner is not fatal; ownership changes are then skipped
// with a warning.
func NewMaterializer(ownerName string, logger *slog.Logger) *Materializer {
	m := &Materializer{logger: logger}
	owner, err := LookupOwner(ownerName)
	if err != nil {
		m.ownerErr = fmt.Errorf("resolve owner %q: %w", ownerName, err)
	} else {
		m.owner = &owner
	}
	return m
}

// Materialize stages every binding definition whose source exists under
// treePath. The destination <nfs.Path>/<path> is replaced entirely, then
// permissions and ownership are normalized. On success the definition's
// Path becomes the absolute destination. Missing sources are skipped.
func (m *Materializer) Materialize(ctx context.Context, treePath string, defs []model.VolumeDefinition, nfs model.NfsConfig) error {
	for i := range defs {
		def := &defs[i]
		if def.Type != model.VolumeBinding {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		src, err := containedPath(treePath, def.Path)
		if err != nil {
			return &errdefs.FilesystemError{Op: "resolve", Path: def.Path, Err: err}
		}
		if _, err := os.Lstat(src); errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("binding source missing, skipping", "volume", def.ID, "path", def.Path)
			continue
		}

		dst, err := containedPath(nfs.Path, def.Path)
		if err != nil {
			return &errdefs.FilesystemError{Op: "resolve", Path: def.Path, Err: err}
		}
		if !filepath.IsAbs(dst) {
			if dst, err = filepath.Abs(dst); err != nil {
				return &errdefs.FilesystemError{Op: "resolve", Path: dst, Err: err}
			}
		}

		if err := os.RemoveAll(dst); err != nil {
			return &errdefs.FilesystemError{Op: "remove", Path: dst, Err: err}
		}
		if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
			return &errdefs.FilesystemError{Op: "mkdir", Path: filepath.Dir(dst), Err: err}
		}
		if err := copyTree(ctx, src, dst); err != nil {
			return err
		}
		m.normalize(dst)

		m.logger.Info("binding volume materialized", "volume", def.ID, "dest", dst)
		def.Path = dst
	}
	return nil
}

// containedPath joins rel under root and refuses results that leave root,
// including through symlinks.
func containedPath(root, rel string) (string, error) {
	root = filepath.Clean(root)
	abs := filepath.Join(root, filepath.Clean("/"+rel))

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		rootResolved = root
	}
	if rootResolved == "/" {
		return abs, nil
	}

	// Walk up to the nearest existing ancestor and check it.
	check := abs
	for {
		resolved, err := filepath.EvalSymlinks(check)
		if err == nil {
			if resolved != rootResolved && !strings.HasPrefix(resolved+"/", rootResolved+"/") {
				return "", fmt.Errorf("%s resolves outside %s", rel, root)
			}
			break
		}
		parent := filepath.Dir(check)
		if parent == check {
			break
		}
		check = parent
	}
	return abs, nil
}

// copyTree copies src to dst. Directories keep their structure, regular
// files are copied byte for byte with their mode and symlinks are recreated.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &errdefs.FilesystemError{Op: "read", Path: path, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, dirMode); err != nil {
				return &errdefs.FilesystemError{Op: "mkdir", Path: target, Err: err}
			}
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return &errdefs.FilesystemError{Op: "readlink", Path: path, Err: err}
			}
			if err := os.Symlink(link, target); err != nil {
				return &errdefs.FilesystemError{Op: "symlink", Path: target, Err: err}
			}
		case d.Type().IsRegular():
			if err := copyFile(path, target); err != nil {
				return &errdefs.FilesystemError{Op: "copy", Path: path, Err: err}
			}
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

// normalize makes directories 0755 and files 0644 and hands everything to
// the owner. Failures are logged once per kind.
func (m *Materializer) normalize(root string) {
	var chmodErr, chownErr error
	if m.owner == nil {
		chownErr = m.ownerErr
	}

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if chmodErr == nil {
				chmodErr = err
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink == 0 {
			mode := fileMode
			if d.IsDir() {
				mode = dirMode
			}
			if err := os.Chmod(path, mode); err != nil && chmodErr == nil {
				chmodErr = err
			}
		}
		if m.owner != nil {
			if err := os.Lchown(path, m.owner.UID, m.owner.GID); err != nil && chownErr == nil {
				chownErr = err
			}
		}
		return nil
	})

	if chmodErr != nil {
		m.logger.Warn("failed to set permissions", "path", root, "err", chmodErr)
	}
	if chownErr != nil {
		m.logger.Warn("failed to change ownership", "path", root, "err", chownErr)
	}
}
