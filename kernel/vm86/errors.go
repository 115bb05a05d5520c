package vm86

// DOSError is the error code placed in AX (with the carry flag set) when a
// DOS service fails.
type DOSError uint8

const (
	DOSErrInvalidFunction    DOSError = 1
	DOSErrFileNotFound       DOSError = 2
	DOSErrPathNotFound       DOSError = 3
	DOSErrTooManyOpenFiles   DOSError = 4
	DOSErrAccessDenied       DOSError = 5
	DOSErrInvalidHandle      DOSError = 6
	DOSErrMCBDestroyed       DOSError = 7
	DOSErrInsufficientMemory DOSError = 8
	DOSErrInvalidMemoryBlock DOSError = 9
	DOSErrInvalidEnvironment DOSError = 10
	DOSErrInvalidFormat      DOSError = 11
	DOSErrInvalidAccess      DOSError = 12
	DOSErrInvalidData        DOSError = 13
	DOSErrInvalidDrive       DOSError = 15
	DOSErrRemoveCurrentDir   DOSError = 16
	DOSErrNotSameDevice      DOSError = 17
	DOSErrNoMoreFiles        DOSError = 18
	DOSErrWriteReadOnly      DOSError = 19
	DOSErrSeekError          DOSError = 25
	DOSErrWriteFault         DOSError = 29
	DOSErrReadFault          DOSError = 30
	DOSErrGeneralFailure     DOSError = 31
)
