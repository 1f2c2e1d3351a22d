package chipset

import (
	"fmt"

	"github.com/turnstone-os/kernel/internal/hv"
	"github.com/turnstone-os/kernel/internal/timeslice"
)

// Machine is the boot-sequencing owner this package's dispatch tables were
// missing: it assembles a ChipsetBuilder, attaches devices to it, installs
// the built Chipset as a vCPU's IOPortHandler, and records real host/guest
// timeslices for every exit that vCPU takes through internal/timeslice.
type Machine struct {
	builder  *ChipsetBuilder
	vcpu     *hv.VirtualCPU
	recorder *timeslice.Recorder
}

var _ hv.VirtualMachine = (*Machine)(nil)
var _ hv.ExitContext = (*Machine)(nil)

// NewMachine returns a Machine that will attach devices for vcpu.
func NewMachine(vcpu *hv.VirtualCPU) *Machine {
	return &Machine{
		builder:  NewBuilder(),
		vcpu:     vcpu,
		recorder: timeslice.NewRecorder(),
	}
}

// AttachDevice implements hv.VirtualMachine: it registers dev's port/MMIO
// intercepts with the chipset builder, maps its declared I/O ports on the
// owning vCPU so VirtualCPU.HandleExit's IO dispatch reaches it, and runs
// the device's own Init hook.
func (m *Machine) AttachDevice(name string, dev hv.Device) error {
	cd, ok := dev.(ChipsetDevice)
	if !ok {
		return fmt.Errorf("chipset: device %q does not implement ChipsetDevice", name)
	}
	if err := m.builder.RegisterDevice(name, cd); err != nil {
		return err
	}
	if intercept := cd.SupportsPortIO(); intercept != nil {
		for _, port := range intercept.Ports {
			m.vcpu.MappedIOPorts[port] = true
		}
	}
	return dev.Init(m)
}

// Build finalizes every attached device into a Chipset and installs it as
// the owning vCPU's IOPortHandler.
func (m *Machine) Build() (*Chipset, error) {
	c, err := m.builder.Build()
	if err != nil {
		return nil, err
	}
	m.vcpu.IO = c
	return c, nil
}

// SetExitTimeslice implements hv.ExitContext: it records the wall-clock
// time since the previous exit under id through the Machine's Recorder, the
// way the teacher's host run loop profiles host/guest transitions.
func (m *Machine) SetExitTimeslice(id timeslice.TimesliceID) {
	m.recorder.Record(id)
}
