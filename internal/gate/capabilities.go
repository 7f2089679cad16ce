package gate

import (
	"strings"
	"syscall"
)

// Authorizer answers whether a user may operate a stage.
type Authorizer interface {
	CanOperateStage(user, pipeline, stage string) bool
}

// DiskSpaceChecker reports the free space, in megabytes, of the artifacts volume.
type DiskSpaceChecker interface {
	FreeDiskMB() (int64, error)
}

// AllowAll authorizes every user. Used when no operators are configured.
type AllowAll struct{}

func (AllowAll) CanOperateStage(string, string, string) bool { return true }

// Operators authorizes a fixed set of users plus the built-in system users
// that timers and automatic triggers run as.
type Operators map[string]bool

func NewOperators(users ...string) Operators {
	o := Operators{}
	for _, u := range users {
		o[strings.ToLower(u)] = true
	}
	return o
}

func (o Operators) CanOperateStage(user, _, _ string) bool {
	switch strings.ToLower(user) {
	case SystemUser, TimerUser, "changes":
		return true
	}
	return o[strings.ToLower(user)]
}

const (
	SystemUser = "conveyor"
	TimerUser  = "timer"
)

// StatfsDiskSpace reads free space of the filesystem holding Path.
type StatfsDiskSpace struct {
	Path string
}

func (d StatfsDiskSpace) FreeDiskMB() (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(d.Path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize) / (1024 * 1024), nil
}

// FixedDiskSpace always reports the same value.
type FixedDiskSpace int64

func (f FixedDiskSpace) FreeDiskMB() (int64, error) {
	return int64(f), nil
}
