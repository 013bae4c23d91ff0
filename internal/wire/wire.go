// Package wire implements the line codec for the mtr-packet control
// protocol: newline-terminated ASCII lines carrying a correlation token,
// a verb or reply keyword, and ordered name=value arguments. Values
// containing whitespace or quotes are quoted with backslash escapes, and
// the codec is exactly reversible so a decoded line can be re-encoded
// byte for byte.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Arg is one named command argument. Argument order is preserved on the
// wire.
type Arg struct {
	Name  string
	Value string
}

// Command is one outbound request before encoding.
type Command struct {
	Token int64
	Verb  string
	Args  []Arg
}

// Field is one name=value pair decoded from a reply line, in the order
// it appeared.
type Field struct {
	Name  string
	Value string
}

// Reply is one decoded inbound line.
type Reply struct {
	Token   int64
	Keyword string
	Fields  []Field
}

// Get returns the value of the first field with the given name.
func (r Reply) Get(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// MalformedReplyError reports a reply line that does not conform to the
// protocol's field syntax. Framing cannot be resynchronized mid-stream,
// so the dispatcher treats this as fatal for the whole session.
type MalformedReplyError struct {
	Line   string
	Reason string
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("malformed reply line %q: %s", e.Line, e.Reason)
}

// EncodeCommand renders a command as a single protocol line, without the
// trailing newline. The token comes first so the subprocess can echo it
// back on its reply.
func EncodeCommand(c Command) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(c.Token, 10))
	b.WriteByte(' ')
	b.WriteString(c.Verb)
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteByte('=')
		b.WriteString(quote(a.Value))
	}
	return b.String()
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"") {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '"', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('"')
	return b.String()
}

// DecodeReply parses one inbound line into a Reply. The first field must
// be an integer token, the second the reply keyword; any remaining
// fields are name=value pairs with optionally quoted values.
func DecodeReply(line string) (Reply, error) {
	atoms, err := splitAtoms(line)
	if err != nil {
		return Reply{}, &MalformedReplyError{Line: line, Reason: err.Error()}
	}
	if len(atoms) < 2 {
		return Reply{}, &MalformedReplyError{Line: line, Reason: "missing token or keyword"}
	}

	token, err := strconv.ParseInt(atoms[0], 10, 64)
	if err != nil {
		return Reply{}, &MalformedReplyError{Line: line, Reason: "token is not an integer"}
	}

	reply := Reply{Token: token, Keyword: atoms[1]}
	for _, atom := range atoms[2:] {
		name, value, ok := strings.Cut(atom, "=")
		if !ok || name == "" {
			return Reply{}, &MalformedReplyError{Line: line, Reason: fmt.Sprintf("field %q is not name=value", atom)}
		}
		reply.Fields = append(reply.Fields, Field{Name: name, Value: value})
	}
	return reply, nil
}

// splitAtoms splits a line on spaces, honoring quoted regions and
// backslash escapes within them. Quote characters themselves are
// consumed; escaped characters are emitted literally.
func splitAtoms(line string) ([]string, error) {
	var atoms []string
	i := 0
	for i < len(line) {
		if line[i] == ' ' {
			i++
			continue
		}
		var b strings.Builder
		inQuotes := false
		for i < len(line) {
			c := line[i]
			if c == ' ' && !inQuotes {
				break
			}
			i++
			switch {
			case c == '"':
				inQuotes = !inQuotes
			case c == '\\' && inQuotes:
				if i >= len(line) {
					return nil, fmt.Errorf("dangling escape")
				}
				b.WriteByte(line[i])
				i++
			default:
				b.WriteByte(c)
			}
		}
		if inQuotes {
			return nil, fmt.Errorf("unterminated quote")
		}
		atoms = append(atoms, b.String())
	}
	return atoms, nil
}
