//go:build linux

package colorloop

import (
	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to a single CPU. The caller must
// hold runtime.LockOSThread.
func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return err
	}
	var verify unix.CPUSet
	if err := unix.SchedGetaffinity(0, &verify); err != nil {
		return err
	}
	if !verify.IsSet(cpu) || verify.Count() != 1 {
		return unix.EINVAL
	}
	return nil
}
