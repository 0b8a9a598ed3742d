// Package nsjail builds nsjail command lines for running a command inside a
// throwaway jail with one host directory mounted read-write at /work.
package nsjail

import (
	"errors"
	"strconv"
)

// WorkDir is where the host directory appears inside the jail.
const WorkDir = "/work"

// Mount is a bind mount from the host into the jail.
type Mount struct {
	Src string
	Dst string
	RW  bool
}

// SystemMounts are the read-only host paths a compiled C program and the
// compiler toolchain need.
var SystemMounts = []Mount{
	{Src: "/bin", Dst: "/bin"},
	{Src: "/lib", Dst: "/lib"},
	{Src: "/lib64", Dst: "/lib64"},
	{Src: "/usr", Dst: "/usr"},
	{Src: "/dev/null", Dst: "/dev/null", RW: true},
	{Src: "/dev/urandom", Dst: "/dev/urandom"},
}

// Config describes one jailed invocation.
type Config struct {
	Hostname     string
	HostDir      string // mounted read-write at WorkDir
	TimeLimitSec int    // 0 disables nsjail's own wall clock limit
	MemoryMaxKb  int    // cgroup memory limit, 0 to skip
	PidsMax      int    // cgroup pids limit, 0 to skip
	RlimitNproc  int
	RlimitFsizeM int
	Mounts       []Mount
	Env          []string
}

var ErrNoHostDir = errors.New("nsjail: host directory is required")

// Default returns the baseline profile: no network, system paths read-only,
// small process and file size limits.
func Default(hostDir string) Config {
	return Config{
		Hostname:     "sandbox",
		HostDir:      hostDir,
		PidsMax:      16,
		RlimitNproc:  16,
		RlimitFsizeM: 64,
		Mounts:       append([]Mount(nil), SystemMounts...),
	}
}

// Args returns the nsjail arguments that run command inside the jail. The
// result does not include the nsjail binary itself.
func (c Config) Args(command []string) ([]string, error) {
	if c.HostDir == "" {
		return nil, ErrNoHostDir
	}
	if len(command) == 0 {
		return nil, errors.New("nsjail: command is required")
	}

	args := []string{
		"--mode", "o",
		"--quiet",
		"--iface_no_lo",
		"--disable_proc",
		"--cwd", WorkDir,
	}
	if c.Hostname != "" {
		args = append(args, "--hostname", c.Hostname)
	}
	args = append(args, "--time_limit", strconv.Itoa(c.TimeLimitSec))
	if c.MemoryMaxKb > 0 {
		args = append(args, "--detect_cgroupv2", "--cgroup_mem_max", strconv.Itoa(c.MemoryMaxKb*1024))
	}
	if c.PidsMax > 0 {
		args = append(args, "--cgroup_pids_max", strconv.Itoa(c.PidsMax))
	}
	if c.RlimitNproc > 0 {
		args = append(args, "--rlimit_nproc", strconv.Itoa(c.RlimitNproc))
	}
	if c.RlimitFsizeM > 0 {
		args = append(args, "--rlimit_fsize", strconv.Itoa(c.RlimitFsizeM))
	}
	for _, m := range c.Mounts {
		flag := "--bindmount_ro"
		if m.RW {
			flag = "--bindmount"
		}
		args = append(args, flag, m.Src+":"+m.Dst)
	}
	args = append(args, "--bindmount", c.HostDir+":"+WorkDir)
	for _, e := range c.Env {
		args = append(args, "--env", e)
	}

	args = append(args, "--")
	return append(args, command...), nil
}
