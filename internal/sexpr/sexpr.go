// Package sexpr implements the vendor S-expression wire grammar used by the
// CCC control channel: a small tree of named objects, arrays, and scalar
// values, encoded with tab-indented text and traversed with colon-delimited
// paths (e.g. "CCCserverResponse:ResponseHeader:id").
package sexpr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates the four shapes an Expr can hold.
type Kind int

const (
	KindNull Kind = iota
	KindValue
	KindObject
	KindArray
)

// Expr is the sum type of the grammar: Null, a scalar Value, a named or
// anonymous Object of fields, or an Array of elements.
type Expr struct {
	Kind    Kind
	Value   string
	Name    string // object name; "" means anonymous
	HasName bool
	Fields  map[string]*Expr
	Items   []*Expr
}

func Null() *Expr { return &Expr{Kind: KindNull} }

func Val(v string) *Expr { return &Expr{Kind: KindValue, Value: v} }

func Obj(name string, fields map[string]*Expr) *Expr {
	e := &Expr{Kind: KindObject, Fields: fields}
	if name != "" {
		e.Name = name
		e.HasName = true
	}
	if e.Fields == nil {
		e.Fields = map[string]*Expr{}
	}
	return e
}

func Arr(items ...*Expr) *Expr {
	return &Expr{Kind: KindArray, Items: items}
}

// ObjectName returns the object's name and whether it had one.
func (e *Expr) ObjectName() (string, bool) {
	if e == nil || e.Kind != KindObject {
		return "", false
	}
	return e.Name, e.HasName
}

// AsValue returns the scalar string, if this is a Value node.
func (e *Expr) AsValue() (string, bool) {
	if e == nil || e.Kind != KindValue {
		return "", false
	}
	return e.Value, true
}

// AsArray returns the item slice, if this is an Array node.
func (e *Expr) AsArray() ([]*Expr, bool) {
	if e == nil || e.Kind != KindArray {
		return nil, false
	}
	return e.Items, true
}

// Get resolves a colon-delimited path against this node, descending through
// object field names and numeric array indices. An empty leading segment
// (a leading ':') is skipped, matching the original grammar's tolerance for
// a path rooted at the enclosing object's own name.
func (e *Expr) Get(path string) *Expr {
	return e.getParts(strings.Split(path, ":"))
}

func (e *Expr) getParts(parts []string) *Expr {
	if len(parts) == 0 {
		return e
	}
	head, rest := parts[0], parts[1:]
	if head == "" {
		return e.getParts(rest)
	}
	switch e.Kind {
	case KindObject:
		name := head
		if e.HasName {
			if e.Name != head {
				return nil
			}
		} else {
			rest = append([]string{}, rest...)
		}
		var fieldName string
		if e.HasName {
			if len(rest) == 0 {
				return nil
			}
			fieldName, rest = rest[0], rest[1:]
		} else {
			fieldName = name
		}
		field, ok := e.Fields[fieldName]
		if !ok {
			return nil
		}
		return field.getParts(rest)
	case KindArray:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(e.Items) {
			return nil
		}
		return e.Items[idx].getParts(rest)
	default:
		return nil
	}
}

// GetString resolves path and returns its scalar value; ok is false when
// the path is missing or does not name a scalar.
func (e *Expr) GetString(path string) (string, bool) {
	v := e.Get(path)
	if v == nil {
		return "", false
	}
	return v.AsValue()
}

func (e *Expr) GetInt(path string) (int64, bool) {
	s, ok := e.GetString(path)
	if !ok {
		return 0, false
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		return n, err == nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func (e *Expr) GetBool(path string) (bool, bool) {
	s, ok := e.GetString(path)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(s)
	return b, err == nil
}

// Encode renders the tree using the vendor's tab-indented text format.
func (e *Expr) Encode() string {
	s, _ := e.encodeLevel(0)
	return s
}

func (e *Expr) encodeLevel(level int) (string, bool) {
	switch e.Kind {
	case KindNull:
		return "", false
	case KindValue:
		return formatValue(e.Value), true
	case KindObject:
		return e.encodeObject(level), true
	case KindArray:
		return e.encodeArray(level), true
	default:
		return "", false
	}
}

func (e *Expr) encodeObject(level int) string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		v := e.Fields[k]
		enc, ok := v.encodeLevel(level + 1)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s:%s %s", indent(level+1), k, enc))
	}
	name := ""
	if e.HasName {
		name = e.Name
	}
	return fmt.Sprintf("(%s\n%s)", name, strings.Join(lines, "\n"))
}

func (e *Expr) encodeArray(level int) string {
	var lines []string
	for _, item := range e.Items {
		enc, ok := item.encodeLevel(level + 1)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", indent(level+1), enc))
	}
	return fmt.Sprintf("(\n%s)", strings.Join(lines, "\n"))
}

func indent(level int) string {
	return strings.Repeat("\t", level)
}

func formatValue(v string) string {
	for _, r := range v {
		if !isAlnum(r) {
			return fmt.Sprintf("(%q)", v)
		}
	}
	return fmt.Sprintf("(%s)", v)
}

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// ToJSON converts the tree to a generic JSON-shaped value: nil, string,
// map[string]interface{} (with a "(name" pseudo-key for named objects), or
// []interface{}.
func (e *Expr) ToJSON() interface{} {
	switch e.Kind {
	case KindNull:
		return nil
	case KindValue:
		return jsonScalar(e.Value)
	case KindArray:
		out := make([]interface{}, len(e.Items))
		for i, it := range e.Items {
			out[i] = it.ToJSON()
		}
		return out
	case KindObject:
		inner := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			inner[k] = v.ToJSON()
		}
		if e.HasName {
			return map[string]interface{}{"(" + e.Name: inner}
		}
		return inner
	default:
		return nil
	}
}

func jsonScalar(v string) interface{} {
	if n, err := strconv.ParseUint(v, 10, 32); err == nil {
		return n
	}
	if strings.HasPrefix(v, "0x") {
		if n, err := strconv.ParseUint(v[2:], 16, 32); err == nil {
			return n
		}
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

// FromJSON builds a tree from a generic JSON-shaped value (as produced by
// json.Unmarshal into interface{}), recognizing the "(name" pseudo-key
// convention for named objects.
func FromJSON(v interface{}) *Expr {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Val(strconv.FormatBool(t))
	case float64:
		if t == float64(int64(t)) {
			return Val(strconv.FormatInt(int64(t), 10))
		}
		return Val(strconv.FormatFloat(t, 'f', -1, 64))
	case string:
		return Val(t)
	case []interface{}:
		items := make([]*Expr, len(t))
		for i, it := range t {
			items[i] = FromJSON(it)
		}
		return Arr(items...)
	case map[string]interface{}:
		for k, val := range t {
			if strings.HasPrefix(k, "(") {
				inner, _ := val.(map[string]interface{})
				fields := map[string]*Expr{}
				for fk, fv := range inner {
					fields[fk] = FromJSON(fv)
				}
				return Obj(k[1:], fields)
			}
			break
		}
		fields := map[string]*Expr{}
		for k, val := range t {
			fields[k] = FromJSON(val)
		}
		return Obj("", fields)
	default:
		return Null()
	}
}

// FromGo marshals a Go value to JSON and rebuilds it as an Expr tree; this
// is the Go analogue of the original `impl<T: Serialize> From<T>`.
func FromGo(v interface{}) (*Expr, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return FromJSON(generic), nil
}

// Decode unmarshals the tree's JSON projection into dst, the inverse of
// FromGo.
func (e *Expr) Decode(dst interface{}) error {
	raw, err := json.Marshal(e.ToJSON())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Parse parses the vendor text format into an Expr tree.
func Parse(s string) (*Expr, error) {
	p := &parser{input: s}
	p.skipWS()
	if p.pos >= len(p.input) {
		return Val(""), nil
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return e, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) skipWS() {
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			p.pos++
			continue
		}
		break
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (p *parser) parseIdent() string {
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *parser) parseExpr() (*Expr, error) {
	p.skipWS()
	if p.peek() != '(' {
		return nil, fmt.Errorf("sexpr: expected '(' at offset %d", p.pos)
	}
	p.pos++ // consume '('
	p.skipWS()

	name := p.parseIdent()
	p.skipWS()

	if p.peek() == ':' {
		var fields map[string]*Expr
		var items []*Expr
		isArray := false
		isObject := false

		for p.peek() == ':' {
			p.pos++ // consume ':'
			p.skipWS()
			if p.peek() == '(' {
				val, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				items = append(items, val)
				isArray = true
			} else {
				fname := p.parseIdent()
				p.skipWS()
				val, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				if fields == nil {
					fields = map[string]*Expr{}
				}
				fields[fname] = val
				isObject = true
			}
			p.skipWS()
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("sexpr: expected ')' at offset %d", p.pos)
		}
		p.pos++
		if isArray && !isObject {
			return Arr(items...), nil
		}
		return Obj(name, fields), nil
	}

	if p.peek() == ')' {
		p.pos++
		if name != "" {
			return Val(name), nil
		}
		return Val(""), nil
	}

	if p.peek() == '"' {
		p.pos++
		start := p.pos
		var sb strings.Builder
		for p.pos < len(p.input) && p.input[p.pos] != '"' {
			if p.input[p.pos] == '\\' && p.pos+1 < len(p.input) {
				p.pos++
			}
			sb.WriteByte(p.input[p.pos])
			p.pos++
		}
		_ = start
		if p.peek() != '"' {
			return nil, fmt.Errorf("sexpr: unterminated quoted string at offset %d", p.pos)
		}
		p.pos++ // closing quote
		p.skipWS()
		if p.peek() != ')' {
			return nil, fmt.Errorf("sexpr: expected ')' after quoted value at offset %d", p.pos)
		}
		p.pos++
		return Val(sb.String()), nil
	}

	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != ')' {
		p.pos++
	}
	val := strings.TrimSpace(p.input[start:p.pos])
	if p.peek() != ')' {
		return nil, fmt.Errorf("sexpr: expected ')' at offset %d", p.pos)
	}
	p.pos++
	return Val(val), nil
}
