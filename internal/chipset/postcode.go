package chipset

import "github.com/turnstone-os/kernel/internal/hv"

// PostCodeDevice implements the diagnostic POST-code port real BIOS/UEFI
// firmware writes boot-progress bytes to on real x86 hardware (I/O port
// 0x80). It is the simplest possible ChipsetDevice, so it doubles as the
// concrete device that exercises the builder/dispatch plumbing in
// builder.go and chipset.go end to end.
type PostCodeDevice struct {
	Codes []byte
}

var _ ChipsetDevice = (*PostCodeDevice)(nil)

// NewPostCodeDevice returns a PostCodeDevice with no codes recorded yet.
func NewPostCodeDevice() *PostCodeDevice {
	return &PostCodeDevice{}
}

// Init implements hv.Device; the post-code port needs nothing from its
// owning VirtualMachine.
func (d *PostCodeDevice) Init(vm hv.VirtualMachine) error { return nil }

func (d *PostCodeDevice) Start() error { return nil }
func (d *PostCodeDevice) Stop() error  { return nil }

// Reset clears the recorded boot-progress codes, as a real POST-code
// listener would on a platform reset.
func (d *PostCodeDevice) Reset() error {
	d.Codes = nil
	return nil
}

// SupportsPortIO claims port 0x80.
func (d *PostCodeDevice) SupportsPortIO() *PortIOIntercept {
	return &PortIOIntercept{Ports: []uint16{0x80}, Handler: d}
}

func (d *PostCodeDevice) SupportsMmio() *MmioIntercept    { return nil }
func (d *PostCodeDevice) SupportsPollDevice() *PollDevice { return nil }

// WriteIOPort appends every byte written to 0x80 to Codes.
func (d *PostCodeDevice) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	d.Codes = append(d.Codes, data...)
	return nil
}

// ReadIOPort returns the last code written, or 0xFF (the real POST port's
// idle/pull-up value) if nothing has been written yet.
func (d *PostCodeDevice) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	last := byte(0xFF)
	if n := len(d.Codes); n > 0 {
		last = d.Codes[n-1]
	}
	for i := range data {
		data[i] = last
	}
	return nil
}
