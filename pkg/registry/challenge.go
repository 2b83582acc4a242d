package registry

import (
	"fmt"
	"strings"

	"mydocker/pkg/errdefs"
)

// BearerChallenge is the parsed form of a WWW-Authenticate: Bearer header.
type BearerChallenge struct {
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge parses a WWW-Authenticate header value with the Bearer
// scheme (RFC 7235). Unknown parameters are ignored; a missing realm is an
// error.
func ParseChallenge(header string) (*BearerChallenge, error) {
	s := strings.TrimSpace(header)
	scheme, rest, _ := strings.Cut(s, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return nil, fmt.Errorf("%w: scheme %q is not Bearer", errdefs.ErrChallengeMalformed, scheme)
	}

	params, err := parseParams(rest)
	if err != nil {
		return nil, err
	}

	c := &BearerChallenge{
		Realm:   params["realm"],
		Service: params["service"],
		Scope:   params["scope"],
	}
	if c.Realm == "" {
		return nil, fmt.Errorf("%w: missing realm", errdefs.ErrChallengeMalformed)
	}
	return c, nil
}

// String renders the challenge as a header value that parses back to c.
func (c *BearerChallenge) String() string {
	var b strings.Builder
	b.WriteString("Bearer ")
	writeParam(&b, "realm", c.Realm)
	if c.Service != "" {
		b.WriteByte(',')
		writeParam(&b, "service", c.Service)
	}
	if c.Scope != "" {
		b.WriteByte(',')
		writeParam(&b, "scope", c.Scope)
	}
	return b.String()
}

func writeParam(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString(`="`)
	for _, r := range value {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
}

// parseParams reads a comma-separated list of auth-params. Keys are
// case-insensitive; values are tokens or quoted strings.
func parseParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	i := 0
	for {
		i = skipSpaceAndCommas(s, i)
		if i >= len(s) {
			return params, nil
		}

		start := i
		for i < len(s) && isTokenChar(s[i]) {
			i++
		}
		key := strings.ToLower(s[start:i])
		if key == "" {
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", errdefs.ErrChallengeMalformed, s[i], i)
		}

		i = skipSpace(s, i)
		if i >= len(s) || s[i] != '=' {
			return nil, fmt.Errorf("%w: parameter %q has no value", errdefs.ErrChallengeMalformed, key)
		}
		i = skipSpace(s, i+1)

		var value string
		if i < len(s) && s[i] == '"' {
			var err error
			value, i, err = readQuoted(s, i+1)
			if err != nil {
				return nil, err
			}
		} else {
			start := i
			for i < len(s) && isTokenChar(s[i]) {
				i++
			}
			value = s[start:i]
		}
		params[key] = value

		i = skipSpace(s, i)
		if i < len(s) && s[i] != ',' {
			return nil, fmt.Errorf("%w: expected ',' after %q", errdefs.ErrChallengeMalformed, key)
		}
	}
}

func readQuoted(s string, i int) (string, int, error) {
	var b strings.Builder
	for i < len(s) {
		switch c := s[i]; c {
		case '\\':
			if i+1 >= len(s) {
				return "", i, fmt.Errorf("%w: dangling escape", errdefs.ErrChallengeMalformed)
			}
			b.WriteByte(s[i+1])
			i += 2
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", i, fmt.Errorf("%w: unterminated quoted string", errdefs.ErrChallengeMalformed)
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

func skipSpaceAndCommas(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == ',') {
		i++
	}
	return i
}

// isTokenChar reports whether c is a tchar of RFC 7230. '/' is accepted as
// well since some registries send unquoted URLs.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~/:", c) >= 0
}
