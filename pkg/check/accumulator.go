package check

// Accumulator folds the results of all checks run against one target into a
// single OK/NOK verdict. It latches to failed once any check calls Fail and
// stays failed until Reset at the start of the next cycle.
type Accumulator struct {
	allOK bool
}

// NewAccumulator returns an accumulator in the OK state.
func NewAccumulator() *Accumulator {
	return &Accumulator{allOK: true}
}

// Fail latches the accumulator to failed.
func (a *Accumulator) Fail() {
	a.allOK = false
}

// IsOK reports whether no check failed since the last Reset.
func (a *Accumulator) IsOK() bool {
	return a.allOK
}

// Reset returns the accumulator to OK for a new cycle.
func (a *Accumulator) Reset() {
	a.allOK = true
}
