package domain

// Stage is a step in an item's supply-chain lifecycle.
type Stage int

// Lifecycle stages, in order.
const (
	StageInit Stage = iota
	StageRawMaterialSupply
	StageManufacture
	StageDistribution
	StageRetail
	StageSold
)

// StageUndefined marks an event whose stage was not supplied.
const StageUndefined Stage = -1

var stageNames = [...]string{
	"Init",
	"RawMaterialSupply",
	"Manufacture",
	"Distribution",
	"Retail",
	"Sold",
}

// String returns the human-readable stage label, or "Unknown" for codes
// outside the lifecycle.
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "Unknown"
	}
	return stageNames[s]
}

// Defined reports whether the stage was present on the event.
func (s Stage) Defined() bool {
	return s != StageUndefined
}
