package template

import (
	"strings"
)

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenExpr
)

// token is either literal text or the trimmed body of a {{ ... }} expression.
type token struct {
	kind tokenKind
	text string
}

// tokenize splits s into literal and expression tokens. An opening "{{" without
// a matching "}}" is kept as literal text.
func tokenize(s string) []token {
	var tokens []token
	var lit strings.Builder
	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "{{") {
			end := strings.Index(s[i+2:], "}}")
			if end < 0 {
				lit.WriteString(s[i:])
				break
			}
			if lit.Len() > 0 {
				tokens = append(tokens, token{kind: tokenLiteral, text: lit.String()})
				lit.Reset()
			}
			body := strings.TrimSpace(s[i+2 : i+2+end])
			tokens = append(tokens, token{kind: tokenExpr, text: body})
			i += 2 + end + 2
			continue
		}
		lit.WriteByte(s[i])
		i++
	}
	if lit.Len() > 0 {
		tokens = append(tokens, token{kind: tokenLiteral, text: lit.String()})
	}
	return tokens
}

// expression is a parsed root.segment(.segment)* reference.
type expression struct {
	raw      string
	root     string
	segments []string
}

func parseExpression(raw string) (expression, error) {
	if raw == "" {
		return expression{}, errEmptyExpression
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if !validSegment(p) {
			return expression{}, errInvalidSegment(p)
		}
	}
	if len(parts) < 2 {
		return expression{}, errMissingPath
	}
	return expression{raw: raw, root: parts[0], segments: parts[1:]}, nil
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
