package domain

// SupplierAnalytics is the cumulative record for one participant.
//
// TotalProducts counts history rows attributed to the participant across
// all evaluations, not distinct items. FlaggedProducts is incremented for
// every such row that belonged to a flagged evaluation.
type SupplierAnalytics struct {
	Address         string  `json:"address"`
	TotalProducts   int     `json:"totalProducts"`
	FlaggedProducts int     `json:"flaggedProducts"`
	Stages          []Stage `json:"stages"`
}

// Clone returns a copy that shares no slices with a.
func (a SupplierAnalytics) Clone() SupplierAnalytics {
	c := a
	c.Stages = append(make([]Stage, 0, len(a.Stages)), a.Stages...)
	return c
}
