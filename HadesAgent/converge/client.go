package converge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Client performs a full run: every *.yaml recipe of the run list directory, in lexical order.
type Client struct {
	runListDir string
	log        logrus.FieldLogger
}

func NewClient(runListDir string, log logrus.FieldLogger) *Client {
	return &Client{runListDir: runListDir, log: log}
}

// RunList returns the recipe files of the run list.
func (c *Client) RunList() ([]string, error) {
	info, err := os.Stat(c.runListDir)
	if err != nil {
		return nil, newError(KindRunList, err, "run list directory %s", c.runListDir)
	}
	if !info.IsDir() {
		return nil, newError(KindRunList, nil, "run list %s is not a directory", c.runListDir)
	}
	paths, err := filepath.Glob(filepath.Join(c.runListDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("listing recipes: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (c *Client) Run(ctx context.Context) error {
	start := time.Now()
	c.log.Info("Starting client run")

	node, err := BuildNode(ctx)
	if err != nil {
		return err
	}
	c.log.Infof("Built node %s (%s %s)", node.Name, node.Platform, node.PlatformVersion)

	paths, err := c.RunList()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		c.log.Warnf("Run list %s is empty", c.runListDir)
	}

	runner := NewRunner(node, c.log)
	total, updated := 0, 0
	for _, path := range paths {
		recipe, err := LoadRecipe(path, node)
		if err != nil {
			return err
		}
		c.log.Infof("Loaded recipe %s with %d resources", recipe.Name, len(recipe.Resources))

		n, err := runner.Converge(ctx, recipe.Resources)
		updated += n
		if err != nil {
			return err
		}
		total += len(recipe.Resources)
	}

	c.log.Infof("Client run complete: %d/%d resources updated in %s", updated, total, time.Since(start).Round(time.Millisecond))
	return nil
}
