package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// personality(PER_LINUX) is queried by Node on startup.
const perLinux = 0x0

// AgentProfile returns the filter for the coding agent container. The agent
// runs Node, git and the repository's toolchain and talks to the model API,
// so file, process and socket syscalls are allowed. Kernel, namespace and
// tracing syscalls are refused.
func AgentProfile() *specs.LinuxSeccomp {
	b := NewBuilder()

	// files
	b.Allow(
		"read", "write", "readv", "writev", "pread64", "pwrite64", "preadv", "pwritev",
		"open", "openat", "openat2", "close", "close_range", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3", "fcntl", "flock", "ioctl",
		"readlink", "readlinkat", "getdents64", "getcwd", "chdir", "fchdir",
		"mkdir", "mkdirat", "rmdir", "unlink", "unlinkat",
		"rename", "renameat", "renameat2",
		"symlink", "symlinkat", "link", "linkat",
		"chmod", "fchmod", "fchmodat", "fchown", "fchownat", "umask",
		"utimensat", "futimesat",
		"ftruncate", "truncate", "fallocate", "fsync", "fdatasync",
		"copy_file_range", "sendfile", "splice", "memfd_create",
		"inotify_init1", "inotify_add_watch", "inotify_rm_watch",
		"getxattr", "lgetxattr", "fgetxattr",
	)

	// memory
	b.Allow("brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "mincore", "membarrier")

	// processes and threads
	b.Allow(
		"execve", "execveat", "exit", "exit_group", "wait4", "waitid",
		"clone", "clone3", "vfork", "kill", "tgkill", "tkill",
		"set_tid_address", "set_robust_list", "get_robust_list",
		"futex", "gettid", "getpid", "getppid", "getpgrp", "setpgid", "getpgid", "setsid", "getsid",
		"getuid", "geteuid", "getgid", "getegid", "getgroups", "getresuid", "getresgid",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend", "sigaltstack",
		"sched_yield", "sched_getaffinity", "sched_setaffinity", "sched_getparam", "sched_getscheduler",
		"getrlimit", "prlimit64", "getrusage", "getpriority", "setpriority",
		"arch_prctl", "prctl", "rseq", "uname", "sysinfo", "getrandom",
		"capget",
	)
	b.AllowWhen("personality", 0, perLinux)

	// time
	b.Allow("clock_gettime", "clock_getres", "gettimeofday", "nanosleep", "clock_nanosleep",
		"timerfd_create", "timerfd_settime", "timerfd_gettime")

	// event loops
	b.Allow("poll", "ppoll", "select", "pselect6",
		"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "epoll_pwait2",
		"eventfd", "eventfd2", "pipe", "pipe2")

	// network: model API, package registries, git remotes
	b.Allow(
		"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
		"getsockopt", "setsockopt", "getsockname", "getpeername", "shutdown",
	)

	b.Trap(
		"ptrace", "process_vm_readv", "process_vm_writev",
		"keyctl", "add_key", "request_key",
		"bpf", "perf_event_open", "userfaultfd",
		"kexec_load", "kexec_file_load",
		"init_module", "finit_module", "delete_module",
	)
	b.Block(
		"mount", "umount2", "pivot_root", "chroot",
		"setns", "unshare",
		"reboot", "swapon", "swapoff",
		"sethostname", "setdomainname",
		"settimeofday", "adjtimex", "clock_adjtime",
		"acct", "ioperm", "iopl", "lookup_dcookie", "nfsservctl",
	)
	return b.Build()
}
