package driver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Variables is the read side of the Variable Store used for binding.
type Variables interface {
	Get(key string) (any, bool)
}

// MissingVariablesError lists the references a query made to unset variables.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return "query references undefined variables: " + strings.Join(e.Names, ", ")
}

// Normalize rewrites :name and ${name} references in query into driver
// placeholders and returns the bind values in order. Positional drivers get
// $1, $2, ... with repeated names sharing one placeholder; the others get "?"
// per occurrence. String literals, quoted identifiers, comments, dollar-quoted
// bodies and :: casts are left untouched.
func Normalize(query string, vars Variables, positional bool) (Request, error) {
	var (
		b       strings.Builder
		binds   []any
		index   = map[string]int{}
		missing = map[string]bool{}
	)
	bind := func(name string) {
		v, ok := lookup(vars, name)
		if !ok {
			missing[name] = true
			b.WriteString("NULL")
			return
		}
		if positional {
			if n, seen := index[name]; seen {
				b.WriteString("$" + strconv.Itoa(n))
				return
			}
			binds = append(binds, bindValue(v))
			index[name] = len(binds)
			b.WriteString("$" + strconv.Itoa(len(binds)))
			return
		}
		binds = append(binds, bindValue(v))
		b.WriteByte('?')
	}

	n := len(query)
	for i := 0; i < n; {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := skipQuoted(query, i, c)
			b.WriteString(query[i:end])
			i = end
		case c == '-' && i+1 < n && query[i+1] == '-':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = n
			} else {
				end += i
			}
			b.WriteString(query[i:end])
			i = end
		case c == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				end = n
			} else {
				end += i + 4
			}
			b.WriteString(query[i:end])
			i = end
		case c == ':' && i+1 < n && query[i+1] == ':':
			b.WriteString("::")
			i += 2
		case c == ':' && i+1 < n && isIdentStart(query[i+1]) && (i == 0 || !isIdentPart(query[i-1])):
			j := i + 1
			for j < n && isIdentPart(query[j]) {
				j++
			}
			bind(query[i+1 : j])
			i = j
		case c == '$' && i+1 < n && query[i+1] == '{':
			end := strings.IndexByte(query[i:], '}')
			if end < 0 {
				b.WriteString(query[i:])
				i = n
				continue
			}
			bind(strings.TrimSpace(query[i+2 : i+end]))
			i += end + 1
		case c == '$' && (i == 0 || !isIdentPart(query[i-1])):
			if tag, ok := dollarTag(query, i); ok {
				end := strings.Index(query[i+len(tag):], tag)
				if end < 0 {
					end = n
				} else {
					end += i + 2*len(tag)
				}
				b.WriteString(query[i:end])
				i = end
				continue
			}
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return Request{}, &MissingVariablesError{Names: names}
	}
	return Request{SQL: b.String(), Binds: binds}, nil
}

// lookup resolves a name, following dots into nested objects.
func lookup(vars Variables, name string) (any, bool) {
	if vars == nil {
		return nil, false
	}
	if v, ok := vars.Get(name); ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	v, ok := vars.Get(parts[0])
	if !ok {
		return nil, false
	}
	for _, p := range parts[1:] {
		m, isMap := v.(map[string]any)
		if !isMap {
			return nil, false
		}
		if v, ok = m[p]; !ok {
			return nil, false
		}
	}
	return v, true
}

// bindValue passes scalars through and encodes composite values as JSON text.
func bindValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
	return v
}

func skipQuoted(s string, start int, quote byte) int {
	for i := start + 1; i < len(s); i++ {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(s)
}

// dollarTag returns the $tag$ opening a dollar-quoted string at i.
func dollarTag(s string, i int) (string, bool) {
	j := i + 1
	for j < len(s) && (isIdentPart(s[j]) && !(j == i+1 && s[j] >= '0' && s[j] <= '9')) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[i : j+1], true
	}
	return "", false
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}
