package chipset

import (
	"testing"

	"github.com/turnstone-os/kernel/internal/hv"
)

type bogusDevice struct{}

func (bogusDevice) Init(vm hv.VirtualMachine) error { return nil }

func TestMachineWiresDeviceIntoVCPUIO(t *testing.T) {
	vcpu := hv.NewVirtualCPU(0)
	m := NewMachine(vcpu)

	dev := NewPostCodeDevice()
	if err := m.AttachDevice("postcode", dev); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if _, err := m.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if vcpu.IO == nil {
		t.Fatalf("Build should install the Chipset as vcpu.IO")
	}

	info := &hv.ExitInfo{Reason: hv.ExitIO, Port: 0x80, Direction: hv.IODirectionOut, Data: []byte{0x42}}
	if err := vcpu.HandleExit(m, info); err != nil {
		t.Fatalf("HandleExit(IO 0x80): %v", err)
	}
	if len(dev.Codes) != 1 || dev.Codes[0] != 0x42 {
		t.Fatalf("dev.Codes = %v, want [0x42]", dev.Codes)
	}
}

func TestMachineAttachDeviceRejectsNonChipsetDevice(t *testing.T) {
	vcpu := hv.NewVirtualCPU(0)
	m := NewMachine(vcpu)
	if err := m.AttachDevice("bogus", bogusDevice{}); err == nil {
		t.Fatalf("AttachDevice should reject a device that isn't a ChipsetDevice")
	}
}

func TestMachineRejectsDuplicatePort(t *testing.T) {
	vcpu := hv.NewVirtualCPU(0)
	m := NewMachine(vcpu)
	if err := m.AttachDevice("postcode", NewPostCodeDevice()); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if err := m.AttachDevice("postcode-2", NewPostCodeDevice()); err == nil {
		t.Fatalf("AttachDevice should reject a second device claiming port 0x80")
	}
}
