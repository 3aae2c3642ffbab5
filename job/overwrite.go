package job

// Overwrite records whether a job may replace an existing destination.
// The zero value is OverwriteUnset, which means no decision has been made
// yet and is distinct from both OverwriteTrue and OverwriteFalse.
type Overwrite int8

const (
	OverwriteUnset Overwrite = iota
	OverwriteTrue
	OverwriteFalse
)

// OverwriteFrom converts a decided boolean into an Overwrite.
func OverwriteFrom(v bool) Overwrite {
	if v {
		return OverwriteTrue
	}
	return OverwriteFalse
}

// Decided reports whether a decision has been recorded.
func (o Overwrite) Decided() bool {
	return o == OverwriteTrue || o == OverwriteFalse
}

// Value returns the decision and whether one was recorded.
func (o Overwrite) Value() (overwrite bool, decided bool) {
	return o == OverwriteTrue, o.Decided()
}

func (o Overwrite) String() string {
	switch o {
	case OverwriteTrue:
		return "true"
	case OverwriteFalse:
		return "false"
	default:
		return "unset"
	}
}
