// ════════════════════════════════════════════════════════════════════════════════════════════════
// Platform Description
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Boot-time hardware description
//
// Description:
//   What the device tree or ACPI tables would tell the kernel: core count, interrupt-controller
//   generation and register windows, MSI frame, timer interrupt. Loaded from JSON so a test or
//   the boot binary can describe a machine without parsing firmware tables.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package platform

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"

	"github.com/cloudius-systems/osv-sub002/constants"
)

// GIC generations.
const (
	GICv2 = 2
	GICv3 = 3
)

// Description is the discovered hardware layout.
type Description struct {
	Name string `json:"name"`
	CPUs int    `json:"cpus"`

	GIC struct {
		Version    int    `json:"version"`
		DistBase   uint64 `json:"dist_base"`
		CPUIfBase  uint64 `json:"cpuif_base,omitempty"`  // v2
		RedistBase uint64 `json:"redist_base,omitempty"` // v3
		ITSBase    uint64 `json:"its_base,omitempty"`    // v3
		V2MBase    uint64 `json:"v2m_base,omitempty"`    // v2
		Lines      int    `json:"lines"`
		V2MSPIBase int    `json:"v2m_spi_base,omitempty"`
		V2MSPIs    int    `json:"v2m_spis,omitempty"`
	} `json:"gic"`

	TimerPPI int `json:"timer_ppi"`

	// PinHostThreads pins pinned engines (the ITS command engine) to host
	// cores when the host allows it.
	PinHostThreads bool `json:"pin_host_threads"`

	// ITSHostCore is the host core for the ITS engine when pinning.
	ITSHostCore int `json:"its_host_core"`

	// LoadBalance enables the per-CPU balancer threads.
	LoadBalance bool `json:"load_balance"`

	// BalanceIntervalMs overrides the balancer period.
	BalanceIntervalMs int `json:"balance_interval_ms,omitempty"`
}

var (
	ErrNoCPUs       = errors.New("platform: cpu count out of range")
	ErrGICVersion   = errors.New("platform: unsupported GIC version")
	ErrGICWindows   = errors.New("platform: GIC register windows missing")
	ErrLines        = errors.New("platform: interrupt line count out of range")
	ErrMSIFrame     = errors.New("platform: MSI frame outside the SPI range")
	ErrTimerPPI     = errors.New("platform: timer interrupt is not a PPI")
	ErrEmptyPayload = errors.New("platform: empty description")
)

// Default returns a QEMU-virt-like GICv3 machine.
func Default() *Description {
	d := &Description{Name: "virt-gicv3", CPUs: constants.DefaultCPUs, TimerPPI: constants.TimerPPI, LoadBalance: true}
	d.GIC.Version = GICv3
	d.GIC.DistBase = constants.DefaultGICDBase
	d.GIC.RedistBase = constants.DefaultGICRBase
	d.GIC.ITSBase = constants.DefaultITSBase
	d.GIC.Lines = constants.DefaultNrLines
	return d
}

// DefaultV2 returns the GICv2 + GICv2m variant.
func DefaultV2() *Description {
	d := &Description{Name: "virt-gicv2", CPUs: constants.DefaultCPUs, TimerPPI: constants.TimerPPI, LoadBalance: true}
	d.GIC.Version = GICv2
	d.GIC.DistBase = constants.DefaultGICDBase
	d.GIC.CPUIfBase = constants.DefaultGICCBase
	d.GIC.V2MBase = constants.DefaultV2MBase
	d.GIC.Lines = constants.DefaultNrLines
	d.GIC.V2MSPIBase = constants.DefaultV2MSPIBase
	d.GIC.V2MSPIs = constants.DefaultV2MSPIs
	return d
}

// Load reads and validates a description file.
func Load(path string) (*Description, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a JSON description.
func Parse(raw []byte) (*Description, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	d := new(Description)
	if err := sonnet.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("platform: decode: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate rejects descriptions the drivers cannot honour.
func (d *Description) Validate() error {
	if d.CPUs < 1 || d.CPUs > constants.MaxCPUs {
		return fmt.Errorf("%w: %d", ErrNoCPUs, d.CPUs)
	}
	if d.GIC.Lines < constants.SPIBase || d.GIC.Lines > constants.MaxSPILines || d.GIC.Lines%32 != 0 {
		return fmt.Errorf("%w: %d", ErrLines, d.GIC.Lines)
	}
	if d.TimerPPI < constants.PPIBase || d.TimerPPI >= constants.SPIBase {
		return fmt.Errorf("%w: %d", ErrTimerPPI, d.TimerPPI)
	}
	switch d.GIC.Version {
	case GICv2:
		if d.GIC.DistBase == 0 || d.GIC.CPUIfBase == 0 {
			return ErrGICWindows
		}
		if d.CPUs > 8 {
			return fmt.Errorf("%w: GICv2 targets at most 8 cores", ErrNoCPUs)
		}
		if d.GIC.V2MBase != 0 {
			lo, n := d.GIC.V2MSPIBase, d.GIC.V2MSPIs
			if lo < constants.SPIBase || n <= 0 || lo+n > d.GIC.Lines {
				return fmt.Errorf("%w: [%d,%d)", ErrMSIFrame, lo, lo+n)
			}
		}
	case GICv3:
		if d.GIC.DistBase == 0 || d.GIC.RedistBase == 0 {
			return ErrGICWindows
		}
	default:
		return fmt.Errorf("%w: %d", ErrGICVersion, d.GIC.Version)
	}
	return nil
}

// BalanceInterval is the effective balancer period.
func (d *Description) BalanceInterval() time.Duration {
	if d.BalanceIntervalMs > 0 {
		return time.Duration(d.BalanceIntervalMs) * time.Millisecond
	}
	return constants.LoadBalanceInterval
}

// Encode returns the canonical JSON form.
func (d *Description) Encode() ([]byte, error) {
	return sonnet.Marshal(d)
}

// Fingerprint is the SHA3-256 of the canonical encoding, recorded with
// every statistics snapshot so runs on different machines never mix.
func (d *Description) Fingerprint() string {
	raw, err := d.Encode()
	if err != nil {
		return ""
	}
	sum := sha3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
