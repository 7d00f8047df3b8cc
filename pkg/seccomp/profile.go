// Package seccomp builds the syscall filter applied to the containerized
// coding agent.
package seccomp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a deny-by-default profile for x86_64 and arm64.
func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) rule(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{Names: names, Action: action})
	return b
}

func (b *ProfileBuilder) Allow(names ...string) *ProfileBuilder { return b.rule(specs.ActAllow, names) }
func (b *ProfileBuilder) Block(names ...string) *ProfileBuilder { return b.rule(specs.ActErrno, names) }
func (b *ProfileBuilder) Trap(names ...string) *ProfileBuilder  { return b.rule(specs.ActTrap, names) }

// AllowWhen allows name only when argument index equals value.
func (b *ProfileBuilder) AllowWhen(name string, index uint, value uint64) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   []specs.LinuxSeccompArg{{Index: index, Value: value, Op: specs.OpEqualTo}},
	})
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// WriteFile stores profile as JSON under dir and returns the path, suitable
// for docker run --security-opt seccomp=<path>.
func WriteFile(dir string, profile *specs.LinuxSeccomp) (string, error) {
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding seccomp profile: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating seccomp profile dir: %w", err)
	}
	path := filepath.Join(dir, "agent-seccomp.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}
