package converge

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Node describes the machine resources are converged on. It is built fresh for every job.
type Node struct {
	Name            string `json:"name"`
	Platform        string `json:"platform"`
	PlatformFamily  string `json:"platform_family"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	Arch            string `json:"arch"`
	CPUs            int    `json:"cpus"`
	MemoryTotal     uint64 `json:"memory_total"`
}

// BuildNode collects the attributes of the local host.
func BuildNode(ctx context.Context) (*Node, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory info: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("reading cpu count: %w", err)
	}

	return &Node{
		Name:            info.Hostname,
		Platform:        info.Platform,
		PlatformFamily:  info.PlatformFamily,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		Arch:            runtime.GOARCH,
		CPUs:            cpus,
		MemoryTotal:     vm.Total,
	}, nil
}

// Attribute returns a node attribute by its JSON name.
func (n *Node) Attribute(key string) (string, bool) {
	switch key {
	case "name":
		return n.Name, true
	case "platform":
		return n.Platform, true
	case "platform_family":
		return n.PlatformFamily, true
	case "platform_version":
		return n.PlatformVersion, true
	case "kernel_version":
		return n.KernelVersion, true
	case "arch":
		return n.Arch, true
	case "cpus":
		return strconv.Itoa(n.CPUs), true
	case "memory_total":
		return strconv.FormatUint(n.MemoryTotal, 10), true
	}
	return "", false
}

var nodeRef = regexp.MustCompile(`\$\{node\.([a-z_]+)\}`)

// Expand replaces ${node.<attribute>} references in s. Unknown attributes are left as written.
func (n *Node) Expand(s string) string {
	if n == nil {
		return s
	}
	return nodeRef.ReplaceAllStringFunc(s, func(ref string) string {
		key := nodeRef.FindStringSubmatch(ref)[1]
		if v, ok := n.Attribute(key); ok {
			return v
		}
		return ref
	})
}
