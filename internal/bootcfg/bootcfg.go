// Package bootcfg loads the kernel's boot-time tunables — the firmware
// memory map, the scratch-window address, the heap arena bounds, and the
// hypervisor feature flags — from a YAML document, the way the teacher's
// site-config and testrunner spec loaders parse their own YAML documents.
package bootcfg

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/turnstone-os/kernel/internal/pmm"
)

// maxConfigSize bounds how large a boot config file Load will read, mirroring
// the teacher's site-config size guard against an oversized file.
const maxConfigSize = 1024 * 1024

// MemoryMapEntry is the YAML-facing description of one firmware memory map
// entry; ToPMM converts it into pmm's own MemoryMapEntry once the type name
// has been resolved.
type MemoryMapEntry struct {
	PhysicalStart uint64 `yaml:"physical_start"`
	PageCount     uint64 `yaml:"page_count"`
	Type          string `yaml:"type"`
}

var frameTypeByName = map[string]pmm.FrameType{
	"free":         pmm.TypeFree,
	"used":         pmm.TypeUsed,
	"reserved":     pmm.TypeReserved,
	"acpi_code":    pmm.TypeAcpiCode,
	"acpi_data":    pmm.TypeAcpiData,
	"acpi_reclaim": pmm.TypeAcpiReclaim,
}

// ToPMM resolves the entry's string Type against the known firmware memory
// types and returns the pmm.MemoryMapEntry pmm.New expects.
func (e MemoryMapEntry) ToPMM() (pmm.MemoryMapEntry, error) {
	t, ok := frameTypeByName[e.Type]
	if !ok {
		return pmm.MemoryMapEntry{}, fmt.Errorf("bootcfg: unknown memory map entry type %q", e.Type)
	}
	return pmm.MemoryMapEntry{PhysicalStart: e.PhysicalStart, PageCount: e.PageCount, Type: t}, nil
}

// HeapArena is the address range handed to the heap allocator at boot.
type HeapArena struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

// HypervisorFlags toggles optional hypervisor engine behavior.
type HypervisorFlags struct {
	EnableNestedPaging bool `yaml:"enable_nested_paging"`
	EnableX2APIC       bool `yaml:"enable_x2apic"`
}

// Config is the full boot-time configuration document.
type Config struct {
	MemoryMap     []MemoryMapEntry `yaml:"memory_map"`
	ScratchWindow uint64           `yaml:"scratch_window"`
	HeapArena     HeapArena        `yaml:"heap_arena"`
	Hypervisor    HypervisorFlags  `yaml:"hypervisor"`
}

// PMMMemoryMap converts every entry of MemoryMap to a pmm.MemoryMapEntry,
// failing on the first unrecognized Type.
func (c *Config) PMMMemoryMap() ([]pmm.MemoryMapEntry, error) {
	out := make([]pmm.MemoryMapEntry, 0, len(c.MemoryMap))
	for i, e := range c.MemoryMap {
		converted, err := e.ToPMM()
		if err != nil {
			return nil, fmt.Errorf("bootcfg: memory_map[%d]: %w", i, err)
		}
		out = append(out, converted)
	}
	return out, nil
}

// Load reads and parses a boot config document from path. Unlike the
// teacher's site-config loader (which degrades to an empty config on any
// error, since a missing site config is a normal deployment state), a
// missing or malformed boot config is fatal: the kernel has no sensible
// default firmware memory map to fall back to, so Load always returns an
// error rather than a zero-value Config.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("bootcfg: stat %s: %w", path, err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("bootcfg: %s is %d bytes, over the %d byte limit", path, info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bootcfg: parse %s: %w", path, err)
	}

	slog.Info("loaded boot config", "path", path, "size", info.Size(), "entries", len(cfg.MemoryMap))
	return &cfg, nil
}
