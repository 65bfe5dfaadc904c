package asmjit

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/multierr"

	"github.com/awakencoder/asmjit/zone"
)

// Section flag bits.
const (
	SectionFlagExec  uint32 = 0x00000001 // executable (.text)
	SectionFlagConst uint32 = 0x00000002 // read-only
	SectionFlagZero  uint32 = 0x00000004 // zero initialized by the loader
	SectionFlagInfo  uint32 = 0x00000008 // informational only
)

// sectionNameMaxLen bounds section names (PE allows 8, ELF more; 35 keeps
// the entry fixed-size friendly).
const sectionNameMaxLen = 35

// CodeSection describes a section: its id, flags, required alignment, and
// name.
type CodeSection struct {
	ID        uint32
	Flags     uint32
	Alignment uint32
	Name      string
}

// CodeBuffer is the raw storage of a section. Data's length is the number
// of bytes used; its capacity is the reserved size.
type CodeBuffer struct {
	Data []byte

	// IsExternal marks a caller-provided buffer.
	IsExternal bool
	// IsFixedSize marks a buffer that must not grow.
	IsFixedSize bool
}

// Length returns the number of bytes used.
func (cb *CodeBuffer) Length() int { return len(cb.Data) }

// Capacity returns the reserved size in bytes.
func (cb *CodeBuffer) Capacity() int { return cap(cb.Data) }

// SectionEntry pairs a section descriptor with its buffer.
type SectionEntry struct {
	Info   CodeSection
	Buffer CodeBuffer
}

// LabelLink is a pending fix-up for a not-yet-bound label: the place that
// referenced it, the inlined displacement, and an optional relocation id.
type LabelLink struct {
	Prev         *LabelLink
	Offset       int
	Displacement int
	RelocID      int
}

// LabelEntry tracks one label: its bound offset (-1 while unbound) and the
// list of pending links.
type LabelEntry struct {
	Offset int64
	Links  *LabelLink
}

// IsBound returns true once the label was bound to an offset.
func (le *LabelEntry) IsBound() bool { return le.Offset != -1 }

// RelocMode selects how a relocation entry is applied.
type RelocMode uint8

const (
	RelocAbsToAbs RelocMode = iota
	RelocRelToAbs
	RelocAbsToRel
	RelocTrampoline
)

// RelocEntry records one relocation: where in the code it applies (From),
// how wide the patched field is (4 or 8), and the displacement data.
type RelocEntry struct {
	Type RelocMode
	Size uint32
	From uint64
	Data uint64
}

// CodeHolder owns code-level state: target description, sections, the label
// registry, relocations, and the list of attached emitters. It is the hub a
// Builder records into and an Assembler encodes into.
type CodeHolder struct {
	codeInfo CodeInfo

	globalHints   uint32
	globalOptions Options

	emitters []Emitter
	// primaryAssembler is the assembler Finalize serializes into when the
	// caller did not pass one explicitly.
	primaryAssembler Emitter

	logger       Logger
	errorHandler ErrorHandler

	trampolinesSize uint32

	baseZone    *zone.Zone
	sections    []*SectionEntry
	labels      []*LabelEntry
	unusedLinks *LabelLink
	relocations []RelocEntry
}

// NewCodeHolder returns an uninitialized CodeHolder; call Init before use.
func NewCodeHolder() *CodeHolder {
	h := &CodeHolder{baseZone: zone.New(16 * 1024)}
	h.codeInfo.reset()
	return h
}

// IsInitialized returns true once Init succeeded.
func (h *CodeHolder) IsInitialized() bool { return h.codeInfo.IsInitialized() }

// Init stores the target description and creates the default section.
func (h *CodeHolder) Init(info CodeInfo) error {
	if h.IsInitialized() {
		return ErrAlreadyInitialized
	}
	if !info.IsInitialized() {
		return ErrInvalidArgument
	}
	h.codeInfo = info
	h.ensureDefaultSection()
	return nil
}

func (h *CodeHolder) ensureDefaultSection() {
	if len(h.sections) != 0 {
		return
	}
	h.sections = append(h.sections, &SectionEntry{
		Info: CodeSection{
			ID:    0,
			Flags: SectionFlagExec | SectionFlagConst,
			Name:  ".text",
		},
	})
}

// Reset detaches every attached emitter and empties all registries. When
// releaseMemory is true the backing storage is dropped as well.
func (h *CodeHolder) Reset(releaseMemory bool) error {
	var err error
	for len(h.emitters) != 0 {
		err = multierr.Append(err, h.Detach(h.emitters[len(h.emitters)-1]))
	}

	h.codeInfo.reset()
	h.globalHints = 0
	h.globalOptions = 0
	h.logger = nil
	h.errorHandler = nil
	h.trampolinesSize = 0
	h.sections = nil
	h.labels = nil
	h.unusedLinks = nil
	h.relocations = nil
	h.baseZone.Reset(releaseMemory)
	return err
}

// CodeInfo returns the target description.
func (h *CodeHolder) CodeInfo() CodeInfo { return h.codeInfo }

// ArchType returns the target architecture.
func (h *CodeHolder) ArchType() ArchType { return h.codeInfo.Arch.Type }

// GlobalHints returns the hints propagated to attached emitters.
func (h *CodeHolder) GlobalHints() uint32 { return h.globalHints }

// AddGlobalHints merges hints and propagates them to attached emitters.
func (h *CodeHolder) AddGlobalHints(hints uint32) {
	h.globalHints |= hints
	for _, e := range h.emitters {
		e.base().globalHints = h.globalHints
	}
}

// GlobalOptions returns the options propagated to attached emitters.
func (h *CodeHolder) GlobalOptions() Options { return h.globalOptions }

// AddGlobalOptions merges options and propagates them to attached emitters.
func (h *CodeHolder) AddGlobalOptions(options Options) {
	h.globalOptions |= options
	for _, e := range h.emitters {
		e.base().globalOptions |= options
	}
}

// Attach links an emitter with this CodeHolder and invokes its OnAttach
// hook. Attaching an emitter that belongs to a different holder fails with
// ErrInvalidState; attaching one that is already attached here is a no-op.
func (h *CodeHolder) Attach(emitter Emitter) error {
	if emitter == nil || emitter.Type() == EmitterNone {
		return ErrInvalidArgument
	}
	if code := emitter.base().code; code != nil {
		if code == h {
			return nil
		}
		return ErrInvalidState
	}

	h.emitters = append(h.emitters, emitter)
	emitter.base().attachTo(h)

	if err := emitter.OnAttach(h); err != nil {
		emitter.base().detachFrom()
		h.emitters = h.emitters[:len(h.emitters)-1]
		return err
	}

	if emitter.Type() == EmitterAssembler && h.primaryAssembler == nil {
		h.primaryAssembler = emitter
	}
	return nil
}

// Detach invokes the emitter's OnDetach hook and unlinks it.
func (h *CodeHolder) Detach(emitter Emitter) error {
	if emitter == nil || emitter.base().code != h {
		return ErrInvalidState
	}

	err := emitter.OnDetach(h)
	emitter.base().detachFrom()

	for i, e := range h.emitters {
		if e == emitter {
			h.emitters = append(h.emitters[:i], h.emitters[i+1:]...)
			break
		}
	}
	if h.primaryAssembler == emitter {
		h.primaryAssembler = nil
	}
	return err
}

// Emitters returns the attached emitters in attach order.
func (h *CodeHolder) Emitters() []Emitter { return h.emitters }

// PrimaryAssembler returns the first attached assembler, or nil.
func (h *CodeHolder) PrimaryAssembler() Emitter { return h.primaryAssembler }

// Sync asks every attached emitter to synchronize lazy state.
func (h *CodeHolder) Sync() {
	for _, e := range h.emitters {
		if s, ok := e.(Syncer); ok {
			_ = s.Sync()
		}
	}
}

// Logger returns the attached logger, or nil.
func (h *CodeHolder) Logger() Logger { return h.logger }

// SetLogger attaches a logger; all attached emitters log through it.
func (h *CodeHolder) SetLogger(logger Logger) {
	h.logger = logger
	if logger != nil {
		h.AddGlobalOptions(OptionLoggingEnabled)
	} else {
		h.globalOptions &^= OptionLoggingEnabled
		for _, e := range h.emitters {
			e.base().globalOptions &^= OptionLoggingEnabled
		}
	}
}

// ErrorHandler returns the attached error handler, or nil.
func (h *CodeHolder) ErrorHandler() ErrorHandler { return h.errorHandler }

// SetErrorHandler attaches an error handler consulted by all emitters.
func (h *CodeHolder) SetErrorHandler(handler ErrorHandler) { h.errorHandler = handler }

// TrampolinesSize returns the accumulated worst-case trampoline bytes.
func (h *CodeHolder) TrampolinesSize() uint32 { return h.trampolinesSize }

func (h *CodeHolder) AddTrampolineSize(n uint32) { h.trampolinesSize += n }

// Sections returns the section entries in id order.
func (h *CodeHolder) Sections() []*SectionEntry { return h.sections }

// SectionByID returns the section with the given id, or nil.
func (h *CodeHolder) SectionByID(id uint32) *SectionEntry {
	for _, s := range h.sections {
		if s.Info.ID == id {
			return s
		}
	}
	return nil
}

// NewSection appends a section with the next free id.
func (h *CodeHolder) NewSection(name string, flags, alignment uint32) (*SectionEntry, error) {
	if !h.IsInitialized() {
		return nil, ErrNotInitialized
	}
	if len(name) > sectionNameMaxLen {
		return nil, ErrInvalidArgument
	}
	s := &SectionEntry{Info: CodeSection{
		ID:        uint32(len(h.sections)),
		Flags:     flags,
		Alignment: alignment,
		Name:      name,
	}}
	h.sections = append(h.sections, s)
	return s, nil
}

// GrowBuffer extends cb so at least n more bytes can be written. Fixed-size
// buffers fail with ErrCodeTooLarge.
func (h *CodeHolder) GrowBuffer(cb *CodeBuffer, n int) error {
	if n < 0 {
		return ErrInvalidArgument
	}
	if len(cb.Data)+n <= cap(cb.Data) {
		return nil
	}
	if cb.IsFixedSize {
		return ErrCodeTooLarge
	}
	capacity := cap(cb.Data) * 2
	if capacity < len(cb.Data)+n {
		capacity = len(cb.Data) + n
	}
	if capacity < 4096 {
		capacity = 4096
	}
	data := make([]byte, len(cb.Data), capacity)
	copy(data, cb.Data)
	cb.Data = data
	cb.IsExternal = false
	return nil
}

// ReserveBuffer ensures cb's capacity is at least n bytes.
func (h *CodeHolder) ReserveBuffer(cb *CodeBuffer, n int) error {
	if n <= cap(cb.Data) {
		return nil
	}
	return h.GrowBuffer(cb, n-len(cb.Data))
}

// NewLabelID allocates a new unbound label entry and returns its packed id.
// It never routes failures through an attached error handler.
func (h *CodeHolder) NewLabelID() (uint32, error) {
	if !h.IsInitialized() {
		return InvalidID, ErrNotInitialized
	}
	index := uint32(len(h.labels))
	h.labels = append(h.labels, &LabelEntry{Offset: -1})
	return packID(index), nil
}

// NewLabelLink pops a link from the free pool or allocates a fresh one.
// Assemblers record pending fix-ups for unbound labels through it.
func (h *CodeHolder) NewLabelLink() *LabelLink {
	link := h.unusedLinks
	if link != nil {
		h.unusedLinks = link.Prev
		*link = LabelLink{}
	} else {
		link = new(LabelLink)
	}
	return link
}

// ReleaseLabelLinks returns a link chain to the free pool, typically after
// a bind resolved every fix-up in it.
func (h *CodeHolder) ReleaseLabelLinks(link *LabelLink) {
	for link != nil {
		prev := link.Prev
		link.Prev = h.unusedLinks
		h.unusedLinks = link
		link = prev
	}
}

// LabelsCount returns the number of labels registered.
func (h *CodeHolder) LabelsCount() int { return len(h.labels) }

// IsLabelValid returns true when id names a registered label.
func (h *CodeHolder) IsLabelValid(id uint32) bool {
	return isPackedID(id) && int(unpackID(id)) < len(h.labels)
}

// IsLabelBound returns true when id names a label that was bound.
func (h *CodeHolder) IsLabelBound(id uint32) bool {
	if !h.IsLabelValid(id) {
		return false
	}
	return h.labels[unpackID(id)].IsBound()
}

// LabelOffset returns the bound offset of id, or -1 while unbound.
func (h *CodeHolder) LabelOffset(id uint32) int64 {
	if !h.IsLabelValid(id) {
		return -1
	}
	return h.labels[unpackID(id)].Offset
}

// LabelEntryOf returns the entry of id, or nil when id is not valid.
func (h *CodeHolder) LabelEntryOf(id uint32) *LabelEntry {
	if !h.IsLabelValid(id) {
		return nil
	}
	return h.labels[unpackID(id)]
}

// AddRelocation appends a relocation entry and returns its id.
func (h *CodeHolder) AddRelocation(entry RelocEntry) int {
	h.relocations = append(h.relocations, entry)
	return len(h.relocations) - 1
}

// Relocations returns the recorded relocation entries.
func (h *CodeHolder) Relocations() []RelocEntry { return h.relocations }

// CodeSize returns the byte size of all sections plus worst-case
// trampoline space.
func (h *CodeHolder) CodeSize() int {
	size := 0
	for _, s := range h.sections {
		n := s.Buffer.Length()
		if a := int(s.Info.Alignment); a > 1 {
			n = (n + a - 1) &^ (a - 1)
		}
		size += n
	}
	return size + int(h.trampolinesSize)
}

// Relocate copies the default section into dst and applies every recorded
// relocation against baseAddress. It returns the number of bytes written.
func (h *CodeHolder) Relocate(dst []byte, baseAddress uint64) (int, error) {
	if !h.IsInitialized() {
		return 0, ErrNotInitialized
	}
	if baseAddress == NoBaseAddress {
		baseAddress = h.codeInfo.BaseAddress
	}

	section := h.sections[0]
	code := section.Buffer.Data
	if len(dst) < len(code) {
		return 0, ErrInvalidArgument
	}
	n := copy(dst, code)

	for i := range h.relocations {
		re := &h.relocations[i]
		if re.From+uint64(re.Size) > uint64(len(code)) {
			return 0, fmt.Errorf("relocation %d out of bounds: %w", i, ErrInvalidState)
		}

		var value uint64
		switch re.Type {
		case RelocAbsToAbs:
			value = re.Data
		case RelocRelToAbs:
			value = re.Data + baseAddress
		case RelocAbsToRel, RelocTrampoline:
			value = re.Data - (baseAddress + re.From + uint64(re.Size))
			if re.Type == RelocTrampoline && int64(value) != int64(int32(value)) {
				return 0, fmt.Errorf("relocation %d needs a trampoline: %w", i, ErrInvalidDisplacement)
			}
		default:
			return 0, ErrInvalidState
		}

		switch re.Size {
		case 4:
			binary.LittleEndian.PutUint32(dst[re.From:], uint32(value))
		case 8:
			binary.LittleEndian.PutUint64(dst[re.From:], value)
		default:
			return 0, ErrInvalidState
		}
	}
	return n, nil
}
