package asmjit

// ArchType identifies a target architecture.
type ArchType uint8

const (
	ArchNone ArchType = iota
	ArchX86
	ArchX64
	ArchA32
	ArchA64
)

// String implements fmt.Stringer.
func (a ArchType) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX64:
		return "x64"
	case ArchA32:
		return "a32"
	case ArchA64:
		return "a64"
	default:
		return "none"
	}
}

// IsX86Family returns true for 32-bit and 64-bit x86.
func (a ArchType) IsX86Family() bool { return a == ArchX86 || a == ArchX64 }

// IsARMFamily returns true for 32-bit and 64-bit ARM.
func (a ArchType) IsARMFamily() bool { return a == ArchA32 || a == ArchA64 }

// ArchInfo describes an architecture: its type, sub-mode, and the size and
// count of general purpose registers.
type ArchInfo struct {
	Type    ArchType
	Mode    uint8
	GpSize  uint8
	GpCount uint8
}

// NewArchInfo returns the ArchInfo for the given type and mode.
func NewArchInfo(archType ArchType, mode uint8) ArchInfo {
	info := ArchInfo{Type: archType, Mode: mode}
	switch archType {
	case ArchX86:
		info.GpSize, info.GpCount = 4, 8
	case ArchX64:
		info.GpSize, info.GpCount = 8, 16
	case ArchA32:
		info.GpSize, info.GpCount = 4, 16
	case ArchA64:
		info.GpSize, info.GpCount = 8, 32
	}
	return info
}

// CallConvID identifies a calling convention.
type CallConvID uint8

const (
	CallConvNone CallConvID = iota
	CallConvCDecl
	CallConvStdCall
	CallConvFastCall
	CallConvX64SystemV
	CallConvX64Win
)

// NoBaseAddress marks a CodeInfo without a fixed base address.
const NoBaseAddress = ^uint64(0)

// CodeInfo describes the target of the code stored in a CodeHolder:
// architecture, natural stack alignment, default calling conventions, and an
// optional base address. It is a value type compared by ==.
type CodeInfo struct {
	Arch ArchInfo

	// StackAlignment is the natural stack alignment of ARCH+OS, or 0 when
	// not known.
	StackAlignment uint8

	CDeclCallConv CallConvID
	StdCallConv   CallConvID
	FastCallConv  CallConvID

	BaseAddress uint64
}

// NewCodeInfo returns a CodeInfo for the given architecture with the
// conventional defaults of that architecture filled in.
func NewCodeInfo(archType ArchType, baseAddress uint64) CodeInfo {
	ci := CodeInfo{
		Arch:        NewArchInfo(archType, 0),
		BaseAddress: baseAddress,
	}
	switch archType {
	case ArchX86:
		ci.StackAlignment = 4
		ci.CDeclCallConv = CallConvCDecl
		ci.StdCallConv = CallConvStdCall
		ci.FastCallConv = CallConvFastCall
	case ArchX64:
		ci.StackAlignment = 16
		ci.CDeclCallConv = CallConvX64SystemV
		ci.StdCallConv = CallConvX64SystemV
		ci.FastCallConv = CallConvX64SystemV
	case ArchA32:
		ci.StackAlignment = 8
	case ArchA64:
		ci.StackAlignment = 16
	}
	return ci
}

// IsInitialized returns true once the CodeInfo names an architecture.
func (ci CodeInfo) IsInitialized() bool { return ci.Arch.Type != ArchNone }

// HasBaseAddress returns true when a fixed base address is set.
func (ci CodeInfo) HasBaseAddress() bool { return ci.BaseAddress != NoBaseAddress }

func (ci *CodeInfo) reset() {
	*ci = CodeInfo{BaseAddress: NoBaseAddress}
}
