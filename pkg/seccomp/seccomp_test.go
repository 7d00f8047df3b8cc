package seccomp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func actions(p *specs.LinuxSeccomp) map[string]specs.LinuxSeccompAction {
	out := make(map[string]specs.LinuxSeccompAction)
	for _, rule := range p.Syscalls {
		if len(rule.Args) > 0 {
			continue
		}
		for _, name := range rule.Names {
			out[name] = rule.Action
		}
	}
	return out
}

func TestAgentProfileDenyByDefault(t *testing.T) {
	p := AgentProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestAgentProfileRules(t *testing.T) {
	got := actions(AgentProfile())

	tests := []struct {
		syscall string
		want    specs.LinuxSeccompAction
	}{
		{"openat", specs.ActAllow},
		{"execve", specs.ActAllow},
		{"clone3", specs.ActAllow},
		{"connect", specs.ActAllow},
		{"socket", specs.ActAllow},
		{"ptrace", specs.ActTrap},
		{"bpf", specs.ActTrap},
		{"mount", specs.ActErrno},
		{"unshare", specs.ActErrno},
		{"setns", specs.ActErrno},
	}
	for _, tt := range tests {
		t.Run(tt.syscall, func(t *testing.T) {
			if got[tt.syscall] != tt.want {
				t.Errorf("%s action = %q, want %q", tt.syscall, got[tt.syscall], tt.want)
			}
		})
	}
}

func TestAgentProfileNoOverlap(t *testing.T) {
	seen := make(map[string]specs.LinuxSeccompAction)
	for _, rule := range AgentProfile().Syscalls {
		for _, name := range rule.Names {
			if prev, ok := seen[name]; ok && prev != rule.Action {
				t.Errorf("%s has conflicting actions %q and %q", name, prev, rule.Action)
			}
			seen[name] = rule.Action
		}
	}
}

func TestAgentProfilePersonalityArg(t *testing.T) {
	for _, rule := range AgentProfile().Syscalls {
		if len(rule.Names) == 1 && rule.Names[0] == "personality" {
			if len(rule.Args) != 1 || rule.Args[0].Value != perLinux || rule.Args[0].Op != specs.OpEqualTo {
				t.Errorf("personality args = %+v", rule.Args)
			}
			return
		}
	}
	t.Error("personality rule missing")
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	path, err := WriteFile(dir, AgentProfile())
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("path %q is not absolute", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("profile is not valid JSON: %v", err)
	}
	if decoded.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q", decoded.DefaultAction)
	}
	if len(decoded.Syscalls) == 0 {
		t.Error("no syscall rules written")
	}
}
