package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/ubuntu/decorate"
)

// ensureDirWithPerms creates the directory at path with perm as permissions if it doesn't exist yet.
// An existing path must be a directory owned by owner with exactly those permissions.
func ensureDirWithPerms(path string, perm os.FileMode, owner int) (err error) {
	defer decorate.OnError(&err, "can't ensure directory %q", path)

	dir, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return os.Mkdir(path, perm)
	}
	if err != nil {
		return err
	}

	if !dir.IsDir() {
		return &os.PathError{Op: "mkdir", Path: path, Err: syscall.ENOTDIR}
	}
	if dir.Mode() != (perm | fs.ModeDir) {
		return fmt.Errorf("permissions should be %v but are %v", perm|fs.ModeDir, dir.Mode())
	}
	stat, ok := dir.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("failed to get syscall.Stat_t for %s", path)
	}
	if int(stat.Uid) != owner {
		return fmt.Errorf("owner should be %d but is %d", owner, stat.Uid)
	}
	return nil
}
