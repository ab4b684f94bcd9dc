package compose

import (
	"fmt"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"

	"github.com/web-casa/dockerops/internal/errdefs"
	"github.com/web-casa/dockerops/internal/model"
)

// WrapperMount says where the generated entrypoint script lives next to the
// manifest and where it is mounted in the container.
type WrapperMount struct {
	HostPath      string
	ContainerPath string
}

// DefaultWrapper mounts ./entrypoint-secrets.sh at /run/entrypoint-secrets.sh.
var DefaultWrapper = WrapperMount{
	HostPath:      "./entrypoint-secrets.sh",
	ContainerPath: "/run/entrypoint-secrets.sh",
}

// Spec returns the read-only short-syntax volume entry for the wrapper.
func (w WrapperMount) Spec() string {
	return w.HostPath + ":" + w.ContainerPath + ":ro"
}

// ImageDefaults are the ENTRYPOINT and CMD an image runs when a service
// does not override them.
type ImageDefaults struct {
	Entrypoint []string
	Cmd        []string
}

// ImageResolver looks up the defaults of an image reference.
type ImageResolver func(image string) (ImageDefaults, error)

// InjectSecrets wires every service to the secrets in defs: the wrapper is
// mounted read-only, each secret is attached to the service and declared
// external at the top level, and the entrypoint becomes the wrapper followed
// by the previous entrypoint. Nothing happens when defs is empty.
//
// Setting an entrypoint drops both the image's ENTRYPOINT and CMD, so a
// service without one gets them from images: the image entrypoint follows
// the wrapper and the image CMD becomes the command unless the service has
// its own. A service whose image defaults cannot be resolved fails with a
// ParseError naming it.
func InjectSecrets(doc *Document, defs []model.SecretDefinition, wrapper WrapperMount, images ImageResolver) error {
	if len(defs) == 0 {
		return nil
	}

	var names []string
	seen := make(map[string]bool)
	for _, def := range defs {
		if !seen[def.Secret] {
			seen[def.Secret] = true
			names = append(names, def.Secret)
		}
	}

	for _, svc := range doc.namedServices() {
		if err := wrapEntrypoint(svc, wrapper.ContainerPath, images); err != nil {
			return err
		}

		appendUnique(child(svc.node, "volumes", yaml.SequenceNode), wrapper.Spec())

		secrets := child(svc.node, "secrets", yaml.SequenceNode)
		for _, name := range names {
			appendUnique(secrets, name)
		}
	}

	top := child(doc.root(), "secrets", yaml.MappingNode)
	for _, name := range names {
		if lookup(top, name) != nil {
			continue
		}
		decl := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		set(decl, "external", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"})
		set(top, name, decl)
	}
	return nil
}

func wrapEntrypoint(svc namedService, wrapperPath string, images ImageResolver) error {
	var args []string
	switch ep := resolve(lookup(svc.node, "entrypoint")); {
	case isNull(ep):
		defaults, err := imageDefaults(svc, images)
		if err != nil {
			return err
		}
		args = defaults.Entrypoint
		if isNull(resolve(lookup(svc.node, "command"))) && len(defaults.Cmd) > 0 {
			set(svc.node, "command", strSeq(defaults.Cmd))
		}
	case isString(ep):
		parsed, err := shellwords.Parse(ep.Value)
		if err != nil {
			return &errdefs.ParseError{Err: fmt.Errorf("service %s: entrypoint %q: %w", svc.name, ep.Value, err)}
		}
		args = parsed
	case ep.Kind == yaml.SequenceNode:
		for _, item := range ep.Content {
			item = resolve(item)
			if item.Kind != yaml.ScalarNode {
				return &errdefs.ParseError{Err: fmt.Errorf("service %s: entrypoint contains a non-scalar element at line %d", svc.name, item.Line)}
			}
			args = append(args, item.Value)
		}
	default:
		return &errdefs.ParseError{Err: fmt.Errorf("service %s: unsupported entrypoint at line %d", svc.name, ep.Line)}
	}

	if len(args) > 0 && args[0] == wrapperPath {
		return nil
	}
	set(svc.node, "entrypoint", strSeq(append([]string{wrapperPath}, args...)))
	return nil
}

// imageDefaults resolves what the service's image would run. The wrapper
// must end up with something to exec.
func imageDefaults(svc namedService, images ImageResolver) (ImageDefaults, error) {
	img := resolve(lookup(svc.node, "image"))
	if !isString(img) || img.Value == "" {
		return ImageDefaults{}, &errdefs.ParseError{Err: fmt.Errorf("service %s: no entrypoint and no image to take one from", svc.name)}
	}
	if images == nil {
		return ImageDefaults{}, &errdefs.ParseError{Err: fmt.Errorf("service %s: no entrypoint and the defaults of %s are unknown", svc.name, img.Value)}
	}
	defaults, err := images(img.Value)
	if err != nil {
		return ImageDefaults{}, fmt.Errorf("service %s: read defaults of %s: %w", svc.name, img.Value, err)
	}
	if len(defaults.Entrypoint) == 0 && len(defaults.Cmd) == 0 && isNull(resolve(lookup(svc.node, "command"))) {
		return ImageDefaults{}, &errdefs.ParseError{Err: fmt.Errorf("service %s: image %s has no entrypoint or command to wrap", svc.name, img.Value)}
	}
	return defaults, nil
}

func strSeq(values []string) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range values {
		seq.Content = append(seq.Content, str(v))
	}
	return seq
}

// appendUnique adds a string scalar to seq unless an equal string, or a
// mapping with that source, is already present.
func appendUnique(seq *yaml.Node, value string) {
	for _, item := range seq.Content {
		item = resolve(item)
		if isString(item) && item.Value == value {
			return
		}
		if src := resolve(lookup(item, "source")); isString(src) && src.Value == value {
			return
		}
	}
	seq.Content = append(seq.Content, str(value))
}
