package core

// Progress is the progress record of a node. The engine pins it to 0/100 when
// the body starts and to 100/100 when the node finishes; in between the body
// reports through Input.Report.
type Progress struct {
	Node    TaskID
	Name    string
	Value   int64
	Total   int64
	Message string
}

// IndeterminateTotal is the Total of progress whose end is not known in
// advance. Value then counts units done so far.
const IndeterminateTotal int64 = -1

// Indeterminate reports whether the total is unknown.
func (p Progress) Indeterminate() bool {
	return p.Total == IndeterminateTotal
}

// Percent returns Value/Total as a percentage, clamped to [0, 100]. It is 0
// for indeterminate progress.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Value) * 100 / float64(p.Total)
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
