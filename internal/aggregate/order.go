package aggregate

import (
	"math"
	"strings"

	"github.com/zzenonn/shardb/internal/record"
)

// Type ranks used by Compare. Values of different ranks order by rank alone,
// so a string is always greater than any number and never coerced.
const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankArray
	rankObject
	rankOther
)

func rank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case string:
		return rankString
	case []any:
		return rankArray
	case map[string]any:
		return rankObject
	}
	if _, ok := ToFloat(v); ok {
		return rankNumber
	}
	return rankOther
}

// Compare imposes a total order over decoded JSON values: null < bool < number
// < string < array < object. Within a rank, numbers compare numerically (NaN
// first), strings byte-wise, false before true, and arrays and objects by
// their canonical JSON text.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case rankNull:
		return 0
	case rankBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case rankNumber:
		x, _ := ToFloat(a)
		y, _ := ToFloat(b)
		return compareFloat(x, y)
	case rankString:
		return strings.Compare(a.(string), b.(string))
	default:
		return strings.Compare(canonical(a), canonical(b))
	}
}

func compareFloat(x, y float64) int {
	xn, yn := math.IsNaN(x), math.IsNaN(y)
	switch {
	case xn && yn:
		return 0
	case xn:
		return -1
	case yn:
		return 1
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func canonical(v any) string {
	s, err := record.Canonical(v)
	if err != nil {
		return ""
	}
	return s
}

// ToFloat reports whether v is a Go numeric type and returns it as float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
