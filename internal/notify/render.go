package notify

import (
	"fmt"
	"strings"
	"time"
)

// Renderer substitutes [placeholder] tokens in message bodies.
type Renderer struct {
	Location   *time.Location
	DateLayout string
}

// NewRenderer builds a renderer formatting dates in loc with layout.
func NewRenderer(loc *time.Location, layout string) Renderer {
	if loc == nil {
		loc = time.UTC
	}
	if layout == "" {
		layout = "02/01/2006"
	}
	return Renderer{Location: loc, DateLayout: layout}
}

// Render replaces every bracketed identifier ([A-Za-z0-9_]+) with the matching
// value from vars. Identifiers without a value render as the empty string.
// Brackets around anything else are copied through untouched.
func (r Renderer) Render(body string, vars map[string]any) string {
	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); {
		if body[i] == '[' {
			if end := placeholderEnd(body, i+1); end > 0 {
				b.WriteString(r.stringify(vars[body[i+1:end]]))
				i = end + 1
				continue
			}
		}
		b.WriteByte(body[i])
		i++
	}
	return b.String()
}

// placeholderEnd returns the index of the closing bracket when body[start:]
// begins with an identifier followed by ']', else -1.
func placeholderEnd(body string, start int) int {
	for j := start; j < len(body); j++ {
		c := body[j]
		switch {
		case c == ']':
			if j == start {
				return -1
			}
			return j
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return -1
		}
	}
	return -1
}

func (r Renderer) stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case *string:
		if val == nil {
			return ""
		}
		return *val
	case time.Time:
		return val.In(r.Location).Format(r.DateLayout)
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.In(r.Location).Format(r.DateLayout)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
