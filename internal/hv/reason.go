package hv

// ExitReason is the normalized exit code the dispatch loop switches on,
// regardless of whether the underlying guest was run under AMD-SVM or
// Intel-VMX encodings (spec.md §4.5).
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitExternalInterrupt
	ExitNMI
	ExitPageFault // EPT/NPT nested page fault
	ExitHLT
	ExitPause
	ExitIO
	ExitInterruptWindow
	ExitRDMSR
	ExitWRMSR
	ExitCR3Access
	ExitCPUID
	ExitHypercall // VMMCALL / VMCALL
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitExternalInterrupt:
		return "external-interrupt"
	case ExitNMI:
		return "nmi-or-page-fault"
	case ExitPageFault:
		return "page-fault"
	case ExitHLT:
		return "hlt"
	case ExitPause:
		return "pause"
	case ExitIO:
		return "io"
	case ExitInterruptWindow:
		return "interrupt-window"
	case ExitRDMSR:
		return "rdmsr"
	case ExitWRMSR:
		return "wrmsr"
	case ExitCR3Access:
		return "cr3-access"
	case ExitCPUID:
		return "cpuid"
	case ExitHypercall:
		return "hypercall"
	case ExitShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// svmExitTable normalizes the AMD-SVM exit codes that fall outside the
// well-known low range into the compact ExitReason space, per spec.md
// §4.5 ("the exit codes above the well-known range are normalized into a
// compact array"). Raw codes below svmWellKnownCeiling map directly through
// svmLowExitTable instead.
const svmWellKnownCeiling = 0x100

// svmLowExitTable mirrors the handful of raw AMD-SVM VMEXIT codes this
// engine cares about; anything else in the low range is ExitUnknown.
var svmLowExitTable = map[uint32]ExitReason{
	0x60: ExitExternalInterrupt, // VMEXIT_INTR
	0x61: ExitNMI,               // VMEXIT_NMI
	0x78: ExitHLT,               // VMEXIT_HLT
	0x79: ExitPause,             // VMEXIT_PAUSE
	0x7B: ExitIO,                // VMEXIT_IOIO
	0x6C: ExitInterruptWindow,   // VMEXIT_VINTR
	0x7C: ExitRDMSR,             // VMEXIT_MSR (direction decides RD/WR at dispatch)
	0x72: ExitCPUID,             // VMEXIT_CPUID
	0x7F: ExitShutdown,          // VMEXIT_SHUTDOWN
	0x81: ExitHypercall,         // VMEXIT_VMMCALL
}

// svmHighExitTable is the "codes above the well-known range" array spec.md
// names: nested-paging faults report here as a normalized, compact index
// rather than their raw exit-info encoding.
var svmHighExitTable = map[uint32]ExitReason{
	0x400: ExitPageFault, // VMEXIT_NPF
}

// NormalizeSVMExitCode maps a raw AMD-SVM VMEXIT code onto ExitReason.
func NormalizeSVMExitCode(raw uint32) ExitReason {
	if raw < svmWellKnownCeiling {
		if reason, ok := svmLowExitTable[raw]; ok {
			return reason
		}
		return ExitUnknown
	}
	if reason, ok := svmHighExitTable[raw]; ok {
		return reason
	}
	return ExitUnknown
}

// vmxExitTable is used directly: Intel-VMX exit reasons need no compaction
// pass, per spec.md §4.5.
var vmxExitTable = map[uint32]ExitReason{
	0:  ExitExternalInterrupt,
	2:  ExitNMI,
	3:  ExitPageFault, // EPT violation reported through the NMI/exception slot in this normalization
	4:  ExitNMI,
	9:  ExitCPUID,
	12: ExitHLT,
	18: ExitHypercall, // VMCALL
	30: ExitIO,
	31: ExitRDMSR,
	32: ExitWRMSR,
	7:  ExitInterruptWindow,
	40: ExitCR3Access,
	46: ExitPause,
	48: ExitPageFault, // EPT_VIOLATION
}

// NormalizeVMXExitReason maps a raw Intel-VMX exit reason onto ExitReason.
func NormalizeVMXExitReason(raw uint32) ExitReason {
	if reason, ok := vmxExitTable[raw]; ok {
		return reason
	}
	return ExitUnknown
}

// IODirection distinguishes an IO exit's direction.
type IODirection int

const (
	IODirectionOut IODirection = iota
	IODirectionIn
)

// ExitInfo carries every exit-specific field the dispatch switch in
// VirtualCPU.HandleExit consults; only the fields relevant to Reason are
// populated by the caller (real hardware would decode these from the
// VMCS/VMCB exit-info fields; this engine takes them pre-decoded since no
// host VMX/SVM silicon is available to a hosted Go process).
type ExitInfo struct {
	Reason ExitReason

	// IO
	Port      uint16
	Size      int
	Count     int
	Direction IODirection
	Rep       bool
	String    bool
	Data      []byte

	// RDMSR/WRMSR
	MSR      uint32
	MSRValue uint64

	// CR3 access
	CR3Register int // must be 15 (R15) to be valid, per spec.md §4.5
	CR3Write    bool
	CR3Value    uint64

	// CPUID
	CPUIDLeaf    uint32
	CPUIDSubleaf uint32

	// Page fault (EPT/NPT)
	FaultGPA   uint64
	FaultWrite bool
	FaultExec  bool

	// Hypercall
	RAX, RDI, RSI, RDX uint64

	// Interrupt window / HLT bookkeeping
	NeedToNotify   bool
	NextInstrValid bool
}
