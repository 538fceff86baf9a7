// Package wasip defines the guest-visible ABI of the syscall surface: errno
// values, syscall numbers, and the flag constants decoded from guest
// arguments. Values follow the WASI/POSIX numbering so unmodified POSIX
// error-handling code in guests works as-is.
package wasip

import (
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// Errno is the guest-visible error number written to the calling thread's
// private errno cell. ErrnoSuccess is zero, and not an error.
type Errno uint32

const (
	ErrnoSuccess Errno = iota
	Errno2big
	ErrnoAcces
	ErrnoAddrinuse
	ErrnoAddrnotavail
	ErrnoAfnosupport
	ErrnoAgain
	ErrnoAlready
	ErrnoBadf
	ErrnoBadmsg
	ErrnoBusy
	ErrnoCanceled
	ErrnoChild
	ErrnoConnaborted
	ErrnoConnrefused
	ErrnoConnreset
	ErrnoDeadlk
	ErrnoDestaddrreq
	ErrnoDom
	ErrnoDquot
	ErrnoExist
	ErrnoFault
	ErrnoFbig
	ErrnoHostunreach
	ErrnoIdrm
	ErrnoIlseq
	ErrnoInprogress
	ErrnoIntr
	ErrnoInval
	ErrnoIo
	ErrnoIsconn
	ErrnoIsdir
	ErrnoLoop
	ErrnoMfile
	ErrnoMlink
	ErrnoMsgsize
	ErrnoMultihop
	ErrnoNametoolong
	ErrnoNetdown
	ErrnoNetreset
	ErrnoNetunreach
	ErrnoNfile
	ErrnoNobufs
	ErrnoNodev
	ErrnoNoent
	ErrnoNoexec
	ErrnoNolck
	ErrnoNolink
	ErrnoNomem
	ErrnoNomsg
	ErrnoNoprotoopt
	ErrnoNospc
	ErrnoNosys
	ErrnoNotconn
	ErrnoNotdir
	ErrnoNotempty
	ErrnoNotrecoverable
	ErrnoNotsock
	ErrnoNotsup
	ErrnoNotty
	ErrnoNxio
	ErrnoOverflow
	ErrnoOwnerdead
	ErrnoPerm
	ErrnoPipe
	ErrnoProto
	ErrnoProtonosupport
	ErrnoPrototype
	ErrnoRange
	ErrnoRofs
	ErrnoSpipe
	ErrnoSrch
	ErrnoStale
	ErrnoTimedout
	ErrnoTxtbsy
	ErrnoXdev
)

var errnoToString = [...]string{
	"ESUCCESS",
	"E2BIG",
	"EACCES",
	"EADDRINUSE",
	"EADDRNOTAVAIL",
	"EAFNOSUPPORT",
	"EAGAIN",
	"EALREADY",
	"EBADF",
	"EBADMSG",
	"EBUSY",
	"ECANCELED",
	"ECHILD",
	"ECONNABORTED",
	"ECONNREFUSED",
	"ECONNRESET",
	"EDEADLK",
	"EDESTADDRREQ",
	"EDOM",
	"EDQUOT",
	"EEXIST",
	"EFAULT",
	"EFBIG",
	"EHOSTUNREACH",
	"EIDRM",
	"EILSEQ",
	"EINPROGRESS",
	"EINTR",
	"EINVAL",
	"EIO",
	"EISCONN",
	"EISDIR",
	"ELOOP",
	"EMFILE",
	"EMLINK",
	"EMSGSIZE",
	"EMULTIHOP",
	"ENAMETOOLONG",
	"ENETDOWN",
	"ENETRESET",
	"ENETUNREACH",
	"ENFILE",
	"ENOBUFS",
	"ENODEV",
	"ENOENT",
	"ENOEXEC",
	"ENOLCK",
	"ENOLINK",
	"ENOMEM",
	"ENOMSG",
	"ENOPROTOOPT",
	"ENOSPC",
	"ENOSYS",
	"ENOTCONN",
	"ENOTDIR",
	"ENOTEMPTY",
	"ENOTRECOVERABLE",
	"ENOTSOCK",
	"ENOTSUP",
	"ENOTTY",
	"ENXIO",
	"EOVERFLOW",
	"EOWNERDEAD",
	"EPERM",
	"EPIPE",
	"EPROTO",
	"EPROTONOSUPPORT",
	"EPROTOTYPE",
	"ERANGE",
	"EROFS",
	"ESPIPE",
	"ESRCH",
	"ESTALE",
	"ETIMEDOUT",
	"ETXTBSY",
	"EXDEV",
}

// Name returns the POSIX error code name, except ErrnoSuccess, which is not
// an error. e.g. Errno2big -> "E2BIG"
func (e Errno) Name() string {
	if int(e) < len(errnoToString) {
		return errnoToString[e]
	}
	return fmt.Sprintf("errno(%d)", uint32(e))
}

// ToErrno coerces a host-side error into the guest errno that describes it.
// Unknown errors map to ErrnoIo, the closest non-lossy category.
func ToErrno(err error) Errno {
	if err == nil {
		return ErrnoSuccess
	}
	// Unwrap fs.PathError and friends down to a syscall.Errno when possible.
	errno := syscall.Errno(0)
	if se, ok := err.(syscall.Errno); ok {
		errno = se
	} else if pe, ok := err.(*fs.PathError); ok {
		if se, ok := pe.Err.(syscall.Errno); ok {
			errno = se
		}
	}
	if errno == 0 {
		switch {
		case err == fs.ErrNotExist, os.IsNotExist(err):
			return ErrnoNoent
		case err == fs.ErrExist:
			return ErrnoExist
		case err == fs.ErrPermission:
			return ErrnoPerm
		case err == fs.ErrInvalid:
			return ErrnoInval
		case err == fs.ErrClosed:
			return ErrnoBadf
		case err == os.ErrDeadlineExceeded:
			return ErrnoTimedout
		default:
			return ErrnoIo
		}
	}
	switch errno {
	case syscall.EACCES:
		return ErrnoAcces
	case syscall.EAGAIN:
		return ErrnoAgain
	case syscall.EBADF:
		return ErrnoBadf
	case syscall.EBUSY:
		return ErrnoBusy
	case syscall.ECHILD:
		return ErrnoChild
	case syscall.EEXIST:
		return ErrnoExist
	case syscall.EFAULT:
		return ErrnoFault
	case syscall.EINTR:
		return ErrnoIntr
	case syscall.EINVAL:
		return ErrnoInval
	case syscall.EIO:
		return ErrnoIo
	case syscall.EISDIR:
		return ErrnoIsdir
	case syscall.ELOOP:
		return ErrnoLoop
	case syscall.EMFILE:
		return ErrnoMfile
	case syscall.ENAMETOOLONG:
		return ErrnoNametoolong
	case syscall.ENOENT:
		return ErrnoNoent
	case syscall.ENOEXEC:
		return ErrnoNoexec
	case syscall.ENOMEM:
		return ErrnoNomem
	case syscall.ENOSPC:
		return ErrnoNospc
	case syscall.ENOSYS:
		return ErrnoNosys
	case syscall.ENOTDIR:
		return ErrnoNotdir
	case syscall.ENOTEMPTY:
		return ErrnoNotempty
	case syscall.ENOTSOCK:
		return ErrnoNotsock
	case syscall.ENOTSUP:
		return ErrnoNotsup
	case syscall.EPERM:
		return ErrnoPerm
	case syscall.EPIPE:
		return ErrnoPipe
	case syscall.EROFS:
		return ErrnoRofs
	case syscall.ESPIPE:
		return ErrnoSpipe
	case syscall.ESRCH:
		return ErrnoSrch
	case syscall.ETIMEDOUT:
		return ErrnoTimedout
	case syscall.EXDEV:
		return ErrnoXdev
	default:
		return ErrnoIo
	}
}
