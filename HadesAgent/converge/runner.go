package converge

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Runner converges resource collections on one node, logging through an explicit logger.
type Runner struct {
	node *Node
	log  logrus.FieldLogger
}

func NewRunner(node *Node, log logrus.FieldLogger) *Runner {
	return &Runner{node: node, log: log}
}

// Converge runs each resource's declared action in order and stops at the first failure.
// It returns how many resources changed the system.
func (r *Runner) Converge(ctx context.Context, resources []*Resource) (int, error) {
	updated := 0
	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		r.log.Infof("Processing %s action %s", res, res.Action())
		if err := res.RunAction(ctx, res.Action(), r.log); err != nil {
			r.log.Errorf("%s: %v", res, err)
			return updated, err
		}
		if res.Updated() {
			r.log.Infof("%s updated", res)
			updated++
		}
	}
	return updated, nil
}

func (r *Runner) Node() *Node { return r.node }
