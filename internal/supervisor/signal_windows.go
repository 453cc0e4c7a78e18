//go:build windows

package supervisor

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// terminateGroup has no graceful equivalent for a console-less child on
// Windows; termination is immediate for both paths.
func terminateGroup(pid int) error { return killGroup(pid) }

// killGroup terminates the child process by PID. A process that can no longer
// be opened is treated as already gone.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	ret, _, err := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(uint32(pid)))
	if ret == 0 {
		return nil
	}
	handle := syscall.Handle(ret)
	defer func() { _, _, _ = procCloseHandle.Call(uintptr(handle)) }()
	ret, _, err = procTerminateProcess.Call(uintptr(handle), 1)
	if ret == 0 {
		return err
	}
	return nil
}
