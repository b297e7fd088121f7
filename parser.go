package sqlscope

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// render converts a Compiled query into driver-ready text and arguments for
// the dialect. It walks the SQL, substitutes @name placeholders, tracks
// placeholder counting, and emits dialect-specific placeholders:
//   - Postgres: $1, $2, ... (a repeated name reuses its position)
//   - MySQL, SQLite: ? (one argument per occurrence)
//   - SQL Server: @name is kept and sent as sql.Named (once per name)
//
// Text inside quotes, quoted identifiers, comments and dollar-quoted bodies is
// copied verbatim, and so are system variables such as @@ROWCOUNT.
func render(dialect Dialect, c Compiled, config Config) (string, []any, error) {
	q := c.Text

	// Last-one-wins resolution for repeated names.
	values := make(map[string]any, len(c.Bindings))
	for _, b := range c.Bindings {
		values[strings.TrimPrefix(b.Name, Sigil)] = b.Value
	}

	est := strings.Count(q, Sigil)
	args := make([]any, 0, est)

	var buf strings.Builder
	// Small oversizing to reduce reallocations; some dialects emit longer tokens.
	buf.Grow(len(q) + 16 + est*2)

	n := 0
	positions := map[string]int{} // Postgres: name -> $n
	named := map[string]bool{}    // SQL Server: names already sent
	var dqTag string              // active dollar-quoted tag (Postgres-like)

	// State machine for safe parsing through strings, comments, identifiers, etc.
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...` (MySQL/SQLite)
		sBR   // [...] (SQL Server)
		sLC   // line comment -- or # (MySQL only)
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$ (dollar-quoted)
	)
	state := sText

	ensureAdd := func(cur, add int) error {
		if config.MaxParams > 0 && cur+add > config.MaxParams {
			return fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, cur+add, config.MaxParams)
		}
		return nil
	}

	for i := 0; i < len(q); {
		ch := q[i]

		switch state {
		case sText:
			// Enter/exit helper states while preserving the raw text
			if ch == '-' && i+1 < len(q) && q[i+1] == '-' {
				state = sLC
				buf.WriteString("--")
				i += 2
				continue
			}
			if ch == '#' && dialect == MySQL {
				state = sLC
				buf.WriteByte('#')
				i++
				continue
			}
			if ch == '/' && i+1 < len(q) && q[i+1] == '*' {
				state = sBC
				buf.WriteString("/*")
				i += 2
				continue
			}
			if ch == '\'' {
				state = sSQ
				buf.WriteByte(ch)
				i++
				continue
			}
			if ch == '"' {
				state = sDQ
				buf.WriteByte(ch)
				i++
				continue
			}
			if ch == '`' && (dialect == MySQL || dialect == SQLite) {
				state = sBT
				buf.WriteByte(ch)
				i++
				continue
			}
			if ch == '[' && dialect == SQLServer {
				state = sBR
				buf.WriteByte(ch)
				i++
				continue
			}
			if ch == '$' {
				if tag, ok := readDollarTag(q[i:]); ok {
					state = sDQD
					dqTag = tag
					buf.WriteString(tag)
					i += len(tag)
					continue
				}
			}

			// @@name: system variable, copied as-is
			if ch == '@' && i+1 < len(q) && q[i+1] == '@' {
				j := i + 2
				for j < len(q) && isAlphaNumUnderscore(q[j]) {
					j++
				}
				buf.WriteString(q[i:j])
				i = j
				continue
			}

			// @name
			if ch == '@' && i+1 < len(q) && isAlphaUnderscore(q[i+1]) {
				k := i + 2
				for k < len(q) && isAlphaNumUnderscore(q[k]) {
					k++
				}
				name := q[i+1 : k]

				// Check name length
				if config.MaxNameLen > 0 && len(name) > config.MaxNameLen {
					return "", nil, fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, name, len(name), config.MaxNameLen)
				}

				v, ok := values[name]
				if !ok {
					return "", nil, fmt.Errorf("%w: %s%s", ErrParamMissing, Sigil, name)
				}

				switch dialect {
				case Postgres:
					pos, seen := positions[name]
					if !seen {
						if err := ensureAdd(n, 1); err != nil {
							return "", nil, err
						}
						n++
						pos = n
						positions[name] = pos
						args = append(args, v)
					}
					writePlaceholder(&buf, dialect, pos, name)
				case SQLServer:
					if !named[name] {
						if err := ensureAdd(n, 1); err != nil {
							return "", nil, err
						}
						n++
						named[name] = true
						args = append(args, sql.Named(name, v))
					}
					writePlaceholder(&buf, dialect, n, name)
				default:
					if err := ensureAdd(n, 1); err != nil {
						return "", nil, err
					}
					n++
					args = append(args, v)
					writePlaceholder(&buf, dialect, n, name)
				}
				i = k
				continue
			}

			buf.WriteByte(ch)
			i++

		case sSQ:
			if ch == '\\' {
				buf.WriteByte(ch)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(ch)
			i++
			if ch == '\'' {
				if i < len(q) && q[i] == '\'' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sDQ:
			if ch == '\\' {
				buf.WriteByte(ch)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(ch)
			i++
			if ch == '"' {
				if i < len(q) && q[i] == '"' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBT:
			buf.WriteByte(ch)
			i++
			if ch == '`' {
				if i < len(q) && q[i] == '`' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBR:
			buf.WriteByte(ch)
			i++
			if ch == ']' {
				if i < len(q) && q[i] == ']' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			buf.WriteByte(ch)
			i++
			if ch == '\n' || ch == '\r' {
				state = sText
			}

		case sBC:
			buf.WriteByte(ch)
			i++
			if ch == '*' && i < len(q) && q[i] == '/' {
				buf.WriteByte('/')
				i++
				state = sText
			}

		case sDQD:
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				buf.WriteString(q[i:])
				i = len(q)
			} else {
				buf.WriteString(q[i : i+p])
				buf.WriteString(dqTag)
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	return buf.String(), args, nil
}

// writePlaceholder emits a dialect-specific placeholder token for argument idx.
func writePlaceholder(b *strings.Builder, d Dialect, idx int, name string) {
	switch d {
	case Postgres:
		b.WriteByte('$')
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	case SQLServer:
		b.WriteString(Sigil)
		b.WriteString(name)
	default: // MySQL, SQLite
		b.WriteByte('?')
	}
}

// --------------------------------
// Utils
// --------------------------------

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}
