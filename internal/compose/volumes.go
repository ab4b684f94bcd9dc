package compose

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/web-casa/dockerops/internal/errdefs"
	"github.com/web-casa/dockerops/internal/model"
)

// RewriteVolumes resolves volume ids in every service's volumes list.
//
// A short entry "id:target[:mode]" whose id names a definition is rewritten
// to "hostPath:target[:mode]"; a long-syntax entry is matched by its source.
// Named volumes resolve to the definition path and are declared at the top
// level with the local driver. Bindings resolve under the NFS root, or to the
// definition path itself once it has been materialized to an absolute path,
// and the directory is created when missing. Unknown ids are left as is, so
// a second run over the output changes nothing.
func RewriteVolumes(doc *Document, defs []model.VolumeDefinition, nfs model.NfsConfig) error {
	byID := make(map[string]model.VolumeDefinition, len(defs))
	for _, def := range defs {
		if _, dup := byID[def.ID]; !dup {
			byID[def.ID] = def
		}
	}

	for _, svc := range doc.services() {
		vols := resolve(lookup(svc, "volumes"))
		if vols == nil || vols.Kind != yaml.SequenceNode {
			continue
		}
		for _, entry := range vols.Content {
			entry = resolve(entry)
			var err error
			switch {
			case isString(entry):
				err = rewriteShort(entry, byID, nfs)
			case entry.Kind == yaml.MappingNode:
				err = rewriteLong(entry, byID, nfs)
			}
			if err != nil {
				return err
			}
		}
	}

	declareNamedVolumes(doc.root(), defs)
	return nil
}

func rewriteShort(entry *yaml.Node, byID map[string]model.VolumeDefinition, nfs model.NfsConfig) error {
	parts := strings.Split(entry.Value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil
	}
	def, ok := byID[parts[0]]
	if !ok {
		return nil
	}
	host, err := hostPath(def, nfs)
	if err != nil {
		return err
	}
	parts[0] = host
	entry.Value = strings.Join(parts, ":")
	return nil
}

func rewriteLong(entry *yaml.Node, byID map[string]model.VolumeDefinition, nfs model.NfsConfig) error {
	source := resolve(lookup(entry, "source"))
	if !isString(source) {
		return nil
	}
	def, ok := byID[source.Value]
	if !ok {
		return nil
	}
	host, err := hostPath(def, nfs)
	if err != nil {
		return err
	}
	set(entry, "source", str(host))
	if def.Type == model.VolumeBinding {
		set(entry, "type", str("bind"))
	} else {
		set(entry, "type", str("volume"))
	}
	return nil
}

func hostPath(def model.VolumeDefinition, nfs model.NfsConfig) (string, error) {
	if def.Type != model.VolumeBinding {
		return def.Path, nil
	}
	path := def.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(nfs.Path, path)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", &errdefs.FilesystemError{Op: "mkdir", Path: path, Err: err}
		}
	}
	return path, nil
}

// declareNamedVolumes adds {driver: local} for each named volume under the
// name services now reference. Existing declarations are kept.
func declareNamedVolumes(root *yaml.Node, defs []model.VolumeDefinition) {
	var named []model.VolumeDefinition
	for _, def := range defs {
		if def.Type == model.VolumeNamed {
			named = append(named, def)
		}
	}
	if len(named) == 0 {
		return
	}

	top := child(root, "volumes", yaml.MappingNode)
	for _, def := range named {
		if lookup(top, def.Path) != nil {
			continue
		}
		decl := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		set(decl, "driver", str("local"))
		set(top, def.Path, decl)
	}
}
