package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a start position: an absolute offset (>= 0) or one of the
// logical values below.
type Offset int64

const (
	OffsetBeginning Offset = -2
	OffsetEnd       Offset = -1
	OffsetStored    Offset = -1000

	offsetTailBase Offset = -2000
)

// OffsetTail is n messages before the current end of the partition.
func OffsetTail(n int64) Offset {
	return offsetTailBase - Offset(n)
}

// Tail reports whether o is relative to the end and how far back it goes.
func (o Offset) Tail() (int64, bool) {
	if o <= offsetTailBase {
		return int64(offsetTailBase - o), true
	}
	return 0, false
}

func (o Offset) String() string {
	switch o {
	case OffsetBeginning:
		return "beginning"
	case OffsetEnd:
		return "end"
	case OffsetStored:
		return "stored"
	}
	if n, ok := o.Tail(); ok {
		return "-" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(int64(o), 10)
}

// ParseOffset accepts a non-negative absolute offset, a negative count
// meaning that many messages before the end, or one of "beginning", "end"
// and "stored".
func ParseOffset(s string) (Offset, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return OffsetTail(-n), nil
		}
		return Offset(n), nil
	}
	switch s {
	case "beginning":
		return OffsetBeginning, nil
	case "end":
		return OffsetEnd, nil
	case "stored":
		return OffsetStored, nil
	}
	return 0, fmt.Errorf("bad offset %q: must be beginning, end, stored or a wide integer", s)
}
