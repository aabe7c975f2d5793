package event

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Limits from the Matrix size restrictions.
const (
	MaxSize         = 65536
	MaxIDLength     = 255
	MaxTypeLength   = 255
	MaxStateKeySize = 255
)

const maxSafeInt = 1<<53 - 1

// Canonical re-encodes JSON per the Matrix canonical JSON rules: object
// members sorted by codepoint, no insignificant whitespace, shortest
// string escapes, integers without exponent or fraction.
func Canonical(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformed
	}
	return appendCanonical(nil, gjson.ParseBytes(raw)), nil
}

type member struct {
	key   string
	value gjson.Result
}

func appendCanonical(dst []byte, v gjson.Result) []byte {
	switch v.Type {
	case gjson.Null:
		return append(dst, "null"...)
	case gjson.False:
		return append(dst, "false"...)
	case gjson.True:
		return append(dst, "true"...)
	case gjson.Number:
		return appendNumber(dst, v)
	case gjson.String:
		return appendString(dst, v.Str)
	}
	if v.IsArray() {
		dst = append(dst, '[')
		first := true
		v.ForEach(func(_, elem gjson.Result) bool {
			if !first {
				dst = append(dst, ',')
			}
			first = false
			dst = appendCanonical(dst, elem)
			return true
		})
		return append(dst, ']')
	}
	return appendMembers(dst, objectMembers(v, nil))
}

func objectMembers(v gjson.Result, keep func(key string) bool) []member {
	var members []member
	v.ForEach(func(key, value gjson.Result) bool {
		if keep == nil || keep(key.Str) {
			members = append(members, member{key: key.Str, value: value})
		}
		return true
	})
	return members
}

// appendMembers sorts and writes an object; on duplicate keys the last wins.
func appendMembers(dst []byte, members []member) []byte {
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].key < members[j].key
	})
	dst = append(dst, '{')
	first := true
	for i, m := range members {
		if i+1 < len(members) && members[i+1].key == m.key {
			continue
		}
		if !first {
			dst = append(dst, ',')
		}
		first = false
		dst = appendString(dst, m.key)
		dst = append(dst, ':')
		dst = appendCanonical(dst, m.value)
	}
	return append(dst, '}')
}

func appendNumber(dst []byte, v gjson.Result) []byte {
	raw := v.Raw
	if !strings.ContainsAny(raw, ".eE") {
		return append(dst, raw...)
	}
	f := v.Float()
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInt {
		return strconv.AppendInt(dst, int64(f), 10)
	}
	return append(dst, raw...)
}

const hexDigits = "0123456789abcdef"

func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				dst = append(dst, "�"...)
			} else {
				dst = append(dst, s[i:i+size]...)
			}
			i += size
			continue
		}
		switch c {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\b':
			dst = append(dst, '\\', 'b')
		case '\f':
			dst = append(dst, '\\', 'f')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if c < 0x20 {
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			} else {
				dst = append(dst, c)
			}
		}
		i++
	}
	return append(dst, '"')
}

// Without returns the canonical form of an object with the named top-level
// members removed.
func Without(raw []byte, keys ...string) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformed
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return nil, ErrNotObject
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	members := objectMembers(res, func(key string) bool {
		_, ok := drop[key]
		return !ok
	})
	return appendMembers(nil, members), nil
}

// With returns the canonical form of an object with a top-level member
// replaced (or added) by the given raw JSON value.
func With(raw []byte, key string, value []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) || !gjson.ValidBytes(value) {
		return nil, ErrMalformed
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return nil, ErrNotObject
	}
	members := objectMembers(res, func(k string) bool { return k != key })
	members = append(members, member{key: key, value: gjson.ParseBytes(value)})
	return appendMembers(nil, members), nil
}
