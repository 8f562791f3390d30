package store

import (
	"bytes"
	"cmp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Compare orders two values of type t. It returns a negative number when a
// sorts before b, zero when they are equal and a positive number otherwise.
//
// A missing (nil) value sorts before any present value. Strings compare
// case-insensitively, binaries lexicographically over their shared prefix and
// then by length, GUIDs bytewise. Multi-valued values compare element by
// element.
func Compare(t PropType, a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if t.IsMulti() && t&MVInstance == 0 {
		av, bv := Values(a), Values(b)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Compare(t.Base(), av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(av), len(bv))
	}
	switch t.Base() {
	case TypeInt16, TypeInt32, TypeInt64:
		x, _ := toInt64(a)
		y, _ := toInt64(b)
		return cmp.Compare(x, y)
	case TypeFloat64:
		x, _ := toFloat64(a)
		y, _ := toFloat64(b)
		return cmp.Compare(x, y)
	case TypeBool:
		x, _ := a.(bool)
		y, _ := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case TypeString:
		x, _ := a.(string)
		y, _ := b.(string)
		return strings.Compare(FoldString(x), FoldString(y))
	case TypeTime:
		x, _ := a.(time.Time)
		y, _ := b.(time.Time)
		return x.Compare(y)
	case TypeGUID:
		x, _ := toGUID(a)
		y, _ := toGUID(b)
		return bytes.Compare(x[:], y[:])
	case TypeBinary:
		x, _ := a.([]byte)
		y, _ := b.([]byte)
		return bytes.Compare(x, y)
	default:
		return 0
	}
}

// Equal reports whether two values of type t compare equal.
func Equal(t PropType, a, b any) bool { return Compare(t, a, b) == 0 }

// FoldString applies Unicode case folding for case-insensitive comparison.
func FoldString(s string) string {
	// A Caser keeps state and must not be shared between goroutines.
	return cases.Fold().String(s)
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	default:
		n, ok := toInt64(v)
		return float64(n), ok
	}
}

func toGUID(v any) (uuid.UUID, bool) {
	switch x := v.(type) {
	case uuid.UUID:
		return x, true
	case [16]byte:
		return uuid.UUID(x), true
	case []byte:
		u, err := uuid.FromBytes(x)
		return u, err == nil
	case string:
		u, err := uuid.Parse(x)
		return u, err == nil
	default:
		return uuid.Nil, false
	}
}
