package converge

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"

	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/sirupsen/logrus"
)

const ActionNothing = "nothing"

// actionFunc brings one resource to its declared state and reports whether anything changed.
type actionFunc func(ctx context.Context, r *Resource, log logrus.FieldLogger) (bool, error)

type provider struct {
	defaultAction string
	actions       map[string]actionFunc
}

func nothing(context.Context, *Resource, logrus.FieldLogger) (bool, error) { return false, nil }

var providers = map[string]provider{
	"file": {
		defaultAction: "create",
		actions: map[string]actionFunc{
			"create":      fileCreate,
			"delete":      fileDelete,
			"touch":       fileTouch,
			ActionNothing: nothing,
		},
	},
	"directory": {
		defaultAction: "create",
		actions: map[string]actionFunc{
			"create":      directoryCreate,
			"delete":      directoryDelete,
			ActionNothing: nothing,
		},
	},
	"execute": {
		defaultAction: "run",
		actions: map[string]actionFunc{
			"run":         executeRun,
			ActionNothing: nothing,
		},
	},
	"log": {
		defaultAction: "write",
		actions: map[string]actionFunc{
			"write":       logWrite,
			ActionNothing: nothing,
		},
	},
}

// ResourceTypes lists the supported resource types.
func ResourceTypes() []string {
	types := make([]string, 0, len(providers))
	for t := range providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resource is a declared piece of system state bound to the node it is converged on.
type Resource struct {
	spec payload.Resource
	node *Node
}

// NewResource validates spec and binds it to node. An empty action becomes the type's default.
func NewResource(spec payload.Resource, node *Node) (*Resource, error) {
	p, ok := providers[spec.Type]
	if !ok {
		return nil, newError(KindUnknownResourceType, nil, "unknown resource type %q (supported: %s)",
			spec.Type, strings.Join(ResourceTypes(), ", "))
	}
	if strings.TrimSpace(spec.Name) == "" {
		return nil, newError(KindInvalidResource, nil, "%s resource without a name", spec.Type)
	}
	if spec.Action == "" {
		spec.Action = p.defaultAction
	}
	if _, ok := p.actions[spec.Action]; !ok {
		return nil, newError(KindUnsupportedAction, nil, "%s does not support action %q", spec, spec.Action)
	}
	spec.Attributes = maps.Clone(spec.Attributes)
	spec.Updated = false
	return &Resource{spec: spec, node: node}, nil
}

func (r *Resource) String() string { return r.spec.String() }

func (r *Resource) Type() string { return r.spec.Type }

func (r *Resource) Name() string { return r.spec.Name }

func (r *Resource) Action() string { return r.spec.Action }

func (r *Resource) Node() *Node { return r.node }

// Updated reports whether the last action changed the system.
func (r *Resource) Updated() bool { return r.spec.Updated }

// Attribute returns an attribute with node references expanded, or def when unset.
func (r *Resource) Attribute(key, def string) string {
	v, ok := r.spec.Attributes[key]
	if !ok {
		return def
	}
	return r.node.Expand(v)
}

// Spec returns the wire form of the resource, including its updated flag.
func (r *Resource) Spec() payload.Resource {
	spec := r.spec
	spec.Attributes = maps.Clone(r.spec.Attributes)
	return spec
}

// RunAction runs action against the system. The resource keeps whether it changed anything.
func (r *Resource) RunAction(ctx context.Context, action string, log logrus.FieldLogger) error {
	run, ok := providers[r.spec.Type].actions[action]
	if !ok {
		return newError(KindUnsupportedAction, nil, "%s does not support action %q", r, action)
	}

	updated, err := run(ctx, r, log)
	if err != nil {
		var convergeErr *Error
		if errors.As(err, &convergeErr) {
			return err
		}
		return newError(KindResourceFailed, err, "%s action %s failed", r, action)
	}
	if updated {
		r.spec.Updated = true
	}
	return nil
}

// Specs returns the wire form of every resource.
func Specs(resources []*Resource) []payload.Resource {
	specs := make([]payload.Resource, len(resources))
	for i, r := range resources {
		specs[i] = r.Spec()
	}
	return specs
}
