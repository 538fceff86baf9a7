package wasip

import "fmt"

// Syscall numbers decoded by the dispatcher. Numbering is stable: generated
// guest code links against these values.
const (
	SysArgsSizesGet uint32 = iota + 1
	SysArgsGet
	SysEnvironSizesGet
	SysEnvironGet
	SysChdir
	SysGetcwd
	SysProcExit
	SysProcFork
	SysProcExec
	SysProcWait
	SysThreadSpawn
	SysThreadJoin
	SysTLSKeyCreate
	SysTLSGet
	SysTLSSet
	SysErrnoGet
	SysErrnoSet
	SysPathOpen
	SysPathCreateDirectory
	SysPathUnlinkFile
	SysPathRemoveDirectory
	SysPathRename
	SysFdRead
	SysFdWrite
	SysFdSeek
	SysFdClose
	SysFdReaddir
	SysFdRenumber
	SysFdFdstatSetFlags
	SysMemMap
	SysMemUnmap
	SysMemSync
	SysMemoryGrow
	SysSockOpen
	SysSockShutdown
	SysRandomGet
	SysClockTimeGet
)

var syscallToString = map[uint32]string{
	SysArgsSizesGet:        "args_sizes_get",
	SysArgsGet:             "args_get",
	SysEnvironSizesGet:     "environ_sizes_get",
	SysEnvironGet:          "environ_get",
	SysChdir:               "chdir",
	SysGetcwd:              "getcwd",
	SysProcExit:            "proc_exit",
	SysProcFork:            "proc_fork",
	SysProcExec:            "proc_exec",
	SysProcWait:            "proc_wait",
	SysThreadSpawn:         "thread_spawn",
	SysThreadJoin:          "thread_join",
	SysTLSKeyCreate:        "tls_key_create",
	SysTLSGet:              "tls_get",
	SysTLSSet:              "tls_set",
	SysErrnoGet:            "errno_get",
	SysErrnoSet:            "errno_set",
	SysPathOpen:            "path_open",
	SysPathCreateDirectory: "path_create_directory",
	SysPathUnlinkFile:      "path_unlink_file",
	SysPathRemoveDirectory: "path_remove_directory",
	SysPathRename:          "path_rename",
	SysFdRead:              "fd_read",
	SysFdWrite:             "fd_write",
	SysFdSeek:              "fd_seek",
	SysFdClose:             "fd_close",
	SysFdReaddir:           "fd_readdir",
	SysFdRenumber:          "fd_renumber",
	SysFdFdstatSetFlags:    "fd_fdstat_set_flags",
	SysMemMap:              "mem_map",
	SysMemUnmap:            "mem_unmap",
	SysMemSync:             "mem_sync",
	SysMemoryGrow:          "memory_grow",
	SysSockOpen:            "sock_open",
	SysSockShutdown:        "sock_shutdown",
	SysRandomGet:           "random_get",
	SysClockTimeGet:        "clock_time_get",
}

// SyscallName returns the symbolic name for a syscall number, for logging.
func SyscallName(num uint32) string {
	if s, ok := syscallToString[num]; ok {
		return s
	}
	return fmt.Sprintf("syscall(%d)", num)
}

// Open flags decoded from path_open's oflags argument.
const (
	O_CREAT uint32 = 1 << iota
	O_DIRECTORY
	O_EXCL
	O_TRUNC
)

// Descriptor flags decoded from path_open's fdflags argument and set by
// fd_fdstat_set_flags.
const (
	FD_APPEND uint32 = 1 << iota
	FD_CLOEXEC
	FD_WRITE
)

// Whence values for fd_seek, matching POSIX.
const (
	SeekSet uint32 = iota
	SeekCur
	SeekEnd
)

// Memory protection bits for mem_map.
const (
	ProtRead uint32 = 1 << iota
	ProtWrite
)

// MapAnonFd is the fd value passed to mem_map for an anonymous mapping.
const MapAnonFd = int32(-1)

// Socket address families and types for sock_open.
const (
	AFInet uint32 = iota + 1
	AFInet6
)

const (
	SockStream uint32 = iota + 1
	SockDgram
)
