package desc

// Opcode identifies an admin queue command.
type Opcode uint32

// Admin queue opcodes.
const (
	OpDescribeDevice              Opcode = 0x1
	OpConfigureDeviceResources    Opcode = 0x2
	OpRegisterPageList            Opcode = 0x3
	OpUnregisterPageList          Opcode = 0x4
	OpCreateTxQueue               Opcode = 0x5
	OpCreateRxQueue               Opcode = 0x6
	OpDestroyTxQueue              Opcode = 0x7
	OpDestroyRxQueue              Opcode = 0x8
	OpDeconfigureDeviceResources  Opcode = 0x9
)

func (o Opcode) String() string {
	switch o {
	case OpDescribeDevice:
		return "DESCRIBE_DEVICE"
	case OpConfigureDeviceResources:
		return "CONFIGURE_DEVICE_RESOURCES"
	case OpRegisterPageList:
		return "REGISTER_PAGE_LIST"
	case OpUnregisterPageList:
		return "UNREGISTER_PAGE_LIST"
	case OpCreateTxQueue:
		return "CREATE_TX_QUEUE"
	case OpCreateRxQueue:
		return "CREATE_RX_QUEUE"
	case OpDestroyTxQueue:
		return "DESTROY_TX_QUEUE"
	case OpDestroyRxQueue:
		return "DESTROY_RX_QUEUE"
	case OpDeconfigureDeviceResources:
		return "DECONFIGURE_DEVICE_RESOURCES"
	default:
		return "UNKNOWN_OPCODE"
	}
}

// Status is the device-reported completion status of an admin command.
type Status uint32

// Admin queue status codes.
const (
	StatusUnset                   Status = 0x00000000
	StatusPassed                  Status = 0x00000001
	StatusAbortedError            Status = 0xFFFFFFF0
	StatusAlreadyExistsError      Status = 0xFFFFFFF1
	StatusCancelledError          Status = 0xFFFFFFF2
	StatusDatalossError           Status = 0xFFFFFFF3
	StatusDeadlineExceededError   Status = 0xFFFFFFF4
	StatusFailedPreconditionError Status = 0xFFFFFFF5
	StatusInternalError           Status = 0xFFFFFFF6
	StatusInvalidArgumentError    Status = 0xFFFFFFF7
	StatusNotFoundError           Status = 0xFFFFFFF8
	StatusOutOfRangeError         Status = 0xFFFFFFF9
	StatusPermissionDeniedError   Status = 0xFFFFFFFA
	StatusUnauthenticatedError    Status = 0xFFFFFFFB
	StatusResourceExhaustedError  Status = 0xFFFFFFFC
	StatusUnavailableError        Status = 0xFFFFFFFD
	StatusUnimplementedError      Status = 0xFFFFFFFE
	StatusUnknownError            Status = 0xFFFFFFFF
)

// Kind classifies a completed (or timed out) admin command the way the
// driver's error-handling design (spec §7) requires callers to branch on.
type Kind int

const (
	// KindSuccess: the command passed.
	KindSuccess Kind = iota
	// KindProtocolViolation: UNSET status returned where a real status
	// was expected — the device never processed the slot.
	KindProtocolViolation
	// KindTransient: the caller may retry the same command unmodified.
	KindTransient
	// KindPermanentInvalid: the command itself was malformed or refers
	// to nonexistent state; retrying verbatim will not help.
	KindPermanentInvalid
	// KindTimeout: the device reported DEADLINE_EXCEEDED for the command.
	// (A command whose event counter never advances is KindUnrecoverable.)
	KindTimeout
	// KindAccessDenied: the device rejected the command on authorization
	// grounds.
	KindAccessDenied
	// KindOutOfMemory: the device could not satisfy the command due to
	// resource exhaustion.
	KindOutOfMemory
	// KindUnimplemented: the device does not support this command.
	KindUnimplemented
	// KindUnrecoverable: the submit/poll protocol itself broke down
	// (timeout past the admin queue deadline); the caller must trigger a
	// reset.
	KindUnrecoverable
)

// Classify maps a device status code to the Kind the driver's
// error-handling design branches on (spec §4.2 / §7).
func Classify(s Status) Kind {
	switch s {
	case StatusPassed:
		return KindSuccess
	case StatusUnset:
		return KindProtocolViolation
	case StatusAbortedError, StatusCancelledError, StatusDatalossError,
		StatusFailedPreconditionError, StatusUnavailableError:
		return KindTransient
	case StatusAlreadyExistsError, StatusInternalError, StatusInvalidArgumentError,
		StatusNotFoundError, StatusOutOfRangeError, StatusUnknownError:
		return KindPermanentInvalid
	case StatusDeadlineExceededError:
		return KindTimeout
	case StatusPermissionDeniedError, StatusUnauthenticatedError:
		return KindAccessDenied
	case StatusResourceExhaustedError:
		return KindOutOfMemory
	case StatusUnimplementedError:
		return KindUnimplemented
	default:
		return KindPermanentInvalid
	}
}
