package exlpatch

// SocType classifies the device into one of the two hardware families. The
// families differ in which privileged operations are available, so several
// components branch on it.
type SocType int

const (
	SocErista SocType = iota
	SocMariko
)

// Hardware-type enumerators reported by the secure monitor.
const (
	HardwareTypeIcosa uint64 = iota
	HardwareTypeCopper
	HardwareTypeHoag
	HardwareTypeIowa
	HardwareTypeCalcio
	HardwareTypeAula
)

// Soc returns the cached hardware family, querying the secure monitor once
// on first use. A hardware type outside the known set means the engine is
// running somewhere it does not understand, which is fatal.
func (e *Env) Soc() SocType {
	e.socOnce.Do(func() {
		hw, err := e.kernel.GetConfig(ConfigItemHardwareType)
		if err != nil {
			e.fatalf("GetConfig(HardwareType) failed: %v", err)
		}
		switch hw {
		case HardwareTypeIcosa, HardwareTypeCopper:
			e.soc = SocErista
		case HardwareTypeHoag, HardwareTypeIowa, HardwareTypeCalcio, HardwareTypeAula:
			e.soc = SocMariko
		default:
			e.fatalf("unreachable: unknown hardware type %#x", hw)
		}
	})
	return e.soc
}

func (e *Env) IsSocErista() bool { return e.Soc() == SocErista }
func (e *Env) IsSocMariko() bool { return e.Soc() == SocMariko }
