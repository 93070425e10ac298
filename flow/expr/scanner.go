package expr

import (
	"strings"
)

const (
	// Sigil opens an interpolation; the expression ends at the balanced "}".
	Sigil = "${"

	// DirectiveSigil opens a template directive such as %{if ...}.
	DirectiveSigil = "%{"

	maxErrorSnippet = 50
)

// FindClosingBrace returns the index of the "}" closing the expression whose
// body starts at start (the index just past the opening sigil).
//
// Nested literal braces are balanced and braces inside ', " or ` quoted
// strings are ignored; a backslash escapes the next character inside a
// string. Unbalanced input fails with a missing-closing-brace error.
func FindClosingBrace(s string, start int) (int, error) {
	depth := 0
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return i, nil
			}
			depth--
		}
	}
	return -1, missingBrace(s)
}

func missingBrace(s string) *Error {
	snippet := s
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet] + "..."
	}
	return &Error{
		Kind:       KindMissingClosingBrace,
		Expression: snippet,
		Message:    "missing closing brace in expression: " + snippet,
	}
}

// IsCompleteExpression reports whether s (after trimming) is exactly one
// "${...}" expression. Malformed input returns the scanner error rather
// than false.
func IsCompleteExpression(s string) (bool, error) {
	t := strings.TrimSpace(s)
	if len(t) < len(Sigil)+2 || !strings.HasPrefix(t, Sigil) {
		return false, nil
	}
	end, err := FindClosingBrace(t, len(Sigil))
	if err != nil {
		return false, err
	}
	return end == len(t)-1, nil
}

// ExtractExpressionContent returns the trimmed body of the first "${...}"
// expression in s (after trimming s).
func ExtractExpressionContent(s string) (string, error) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, Sigil) {
		return "", newError(KindInvalidFormat, t, "expression must start with %q", Sigil)
	}
	end, err := FindClosingBrace(t, len(Sigil))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(t[len(Sigil):end]), nil
}

// span is one interpolation or directive found in a template.
type span struct {
	directive bool
	content   string
}

// scanSpans finds every "${...}" and "%{...}" in s, skipping the escaped
// forms "$${" and "%%{".
func scanSpans(s string) ([]span, error) {
	var spans []span
	for i := 0; i+1 < len(s); i++ {
		c := s[i]
		if c != '$' && c != '%' {
			continue
		}
		if s[i+1] == c && i+2 < len(s) && s[i+2] == '{' {
			i += 2
			continue
		}
		if s[i+1] != '{' {
			continue
		}
		end, err := FindClosingBrace(s, i+2)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{
			directive: c == '%',
			content:   strings.TrimSpace(strings.Trim(strings.TrimSpace(s[i+2:end]), "~")),
		})
		i = end
	}
	return spans, nil
}
