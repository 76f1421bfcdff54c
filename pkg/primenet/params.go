package primenet

import (
	"net/url"
	"strconv"
	"strings"
)

// Params is an ordered query string builder. The v5 server hashes the
// query exactly as sent, so parameter order must be stable.
type Params struct {
	keys   []string
	values []string
}

func (p *Params) Set(key, value string) *Params {
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return p
}

func (p *Params) SetInt(key string, v int64) *Params {
	return p.Set(key, strconv.FormatInt(v, 10))
}

// Get returns the first value for key.
func (p *Params) Get(key string) (string, bool) {
	for i, k := range p.keys {
		if k == key {
			return p.values[i], true
		}
	}
	return "", false
}

// Encode renders the parameters in insertion order using form encoding.
func (p *Params) Encode() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[i]))
	}
	return b.String()
}
