package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"slowquery-agent/internal/shell"
)

// ContainerOptions isolates the CLI agent in a Docker container with only the
// workspace mounted.
type ContainerOptions struct {
	Image     string
	MemoryMB  int64
	PidsLimit int64
	CPUs      float64
	// SeccompProfile is a JSON profile path; empty keeps Docker's default.
	SeccompProfile string
	// PassEnv names host variables forwarded into the container by name,
	// so their values never appear in the argument list.
	PassEnv []string
	// Env holds NAME=value pairs that are safe to show in the argument list.
	Env []string
	// HostGateway maps host.docker.internal to the host so the container
	// can reach a listener there.
	HostGateway bool
}

func (c *ContainerOptions) wrap(ws Workspace, argv []string, timeout time.Duration) shell.Command {
	return shell.Command{
		Dir:     ws.Root,
		Name:    "docker",
		Args:    c.dockerArgs(ws, argv),
		Timeout: timeout,
	}
}

func (c *ContainerOptions) dockerArgs(ws Workspace, argv []string) []string {
	memory := c.MemoryMB
	if memory <= 0 {
		memory = 1024
	}
	pids := c.PidsLimit
	if pids <= 0 {
		pids = 200
	}
	cpus := c.CPUs
	if cpus <= 0 {
		cpus = 2
	}

	args := []string{
		"run", "--rm",
		"--name", "agent-" + uuid.NewString()[:8],
		"--network", "bridge",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--memory", fmt.Sprintf("%dm", memory),
		"--memory-swap", fmt.Sprintf("%dm", memory),
		"--pids-limit", fmt.Sprintf("%d", pids),
		"--cpus", fmt.Sprintf("%.1f", cpus),
		"--tmpfs", "/tmp:rw,nosuid,nodev,size=500m",
		"-v", fmt.Sprintf("%s:/workspace:rw", ws.Root),
		"-w", "/workspace",
		"--user", "1000:1000",
		"-e", "HOME=/home/node",
		"-e", "LANG=C.UTF-8",
	}
	if c.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+c.SeccompProfile)
	}
	if c.HostGateway {
		args = append(args, "--add-host", "host.docker.internal:host-gateway")
	}
	for _, name := range c.PassEnv {
		args = append(args, "-e", name)
	}
	for _, kv := range c.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, c.Image)
	return append(args, argv...)
}
