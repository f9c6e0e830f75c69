package keyvalue

import "strings"

// Properties is an insertion-ordered string map. Overwriting a key keeps its
// original position.
type Properties struct {
	keys   []string
	values map[string]string
}

// NewProperties creates an empty Properties.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]string)}
}

// Set stores value under key.
func (p *Properties) Set(key, value string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value stored under key.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (p *Properties) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Len returns the number of keys.
func (p *Properties) Len() int {
	return len(p.keys)
}

// String renders the properties as key=value lines joined by "\n".
func (p *Properties) String() string {
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.values[k])
	}
	return b.String()
}
