package rules

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

// compare applies op to two cell values. Nulls only satisfy equality with
// another null; ordering against null is always false.
func compare(op string, a, b any) bool {
	a, b = unwrap(a), unwrap(b)
	if a == nil || b == nil {
		switch op {
		case "==":
			return a == nil && b == nil
		case "!=":
			return (a == nil) != (b == nil)
		}
		return false
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch op {
			case "==":
				return ab == bb
			case "!=":
				return ab != bb
			}
			return false
		}
	}

	if af, bf, ok := numbers(a, b); ok {
		return ordered(op, cmpFloat(af, bf))
	}
	if at, bt, ok := times(a, b); ok {
		return ordered(op, at.Compare(bt))
	}
	return ordered(op, strings.Compare(text(a), text(b)))
}

func ordered(op string, c int) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func unwrap(v any) any {
	if valuer, ok := v.(driver.Valuer); ok {
		if out, err := valuer.Value(); err == nil {
			return out
		}
	}
	return v
}

// numbers converts both values when at least one is numeric and the other
// is numeric or a numeric string.
func numbers(a, b any) (float64, float64, bool) {
	af, aNum := number(a)
	bf, bNum := number(b)
	if !aNum && !bNum {
		return 0, 0, false
	}
	if !aNum {
		s, ok := a.(string)
		if !ok {
			return 0, 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, 0, false
		}
		af = f
	}
	if !bNum {
		s, ok := b.(string)
		if !ok {
			return 0, 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, 0, false
		}
		bf = f
	}
	return af, bf, true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func times(a, b any) (time.Time, time.Time, bool) {
	at, aOK := a.(time.Time)
	bt, bOK := b.(time.Time)
	if !aOK && !bOK {
		return time.Time{}, time.Time{}, false
	}
	var ok bool
	if !aOK {
		if at, ok = parseTime(a); !ok {
			return time.Time{}, time.Time{}, false
		}
	}
	if !bOK {
		if bt, ok = parseTime(b); !ok {
			return time.Time{}, time.Time{}, false
		}
	}
	return at, bt, true
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func isTruthy(v any) bool {
	switch x := unwrap(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false") && x != "0"
	}
	if f, ok := number(unwrap(v)); ok {
		return f != 0
	}
	return true
}

// matchLike implements SQL LIKE with % and _ wildcards.
func matchLike(s, pattern string) bool {
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
