package router

import (
	"context"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"rabbitforce/pkg/errors"
)

// conditionLanguage evaluates JSONPath expressions whose filter scripts are
// full gval expressions.
var conditionLanguage = gval.Full(jsonpath.PlaceholderExtension())

// Condition is a compiled routing condition. Conditions are written in the
// JSONPath dialect of the configuration file: single-quoted strings, `=`
// for equality, `&`/`|` for conjunction and a `~` operator matching a
// JS-style regex literal. The dialect is rewritten to the evaluator's
// syntax at compile time.
type Condition struct {
	raw  string
	eval gval.Evaluable
}

func NewCondition(expression string) (*Condition, error) {
	normalized, err := normalizeCondition(expression)
	if err != nil {
		return nil, errors.ErrConfiguration.
			WithMessage("invalid routing condition %q", expression).
			WithCause(err)
	}

	eval, err := conditionLanguage.NewEvaluable(normalized)
	if err != nil {
		return nil, errors.ErrConfiguration.
			WithMessage("invalid routing condition %q", expression).
			WithCause(err)
	}

	return &Condition{raw: expression, eval: eval}, nil
}

func (c *Condition) String() string {
	return c.raw
}

// Matches evaluates the condition against the given JSON tree and reports
// whether it produced at least one match. Evaluation errors, such as paths
// into absent keys, count as no match.
func (c *Condition) Matches(ctx context.Context, tree interface{}) bool {
	value, err := c.eval(ctx, tree)
	if err != nil {
		return false
	}
	switch result := value.(type) {
	case nil:
		return false
	case []interface{}:
		return len(result) > 0
	case bool:
		return result
	default:
		return true
	}
}

type syntaxError struct {
	position int
	message  string
}

func (e *syntaxError) Error() string {
	return e.message
}

// normalizeCondition rewrites the configuration dialect into gval syntax:
// single-quoted strings become double-quoted, bare `=` becomes `==`,
// single `&` and `|` become `&&` and `||`, and `~ /re/` becomes a gval
// regex match. An `i` flag is folded into the pattern; other flags are
// dropped.
func normalizeCondition(expression string) (string, error) {
	var out strings.Builder
	runes := []rune(expression)

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch ch {
		case '\'':
			literal, next, err := scanString(runes, i)
			if err != nil {
				return "", err
			}
			out.WriteString(quote(literal))
			i = next - 1
		case '"':
			literal, next, err := scanString(runes, i)
			if err != nil {
				return "", err
			}
			out.WriteString(quote(literal))
			i = next - 1
		case '=':
			if i+1 < len(runes) && (runes[i+1] == '=' || runes[i+1] == '~') {
				out.WriteRune(ch)
				out.WriteRune(runes[i+1])
				i++
				continue
			}
			if i > 0 && (runes[i-1] == '!' || runes[i-1] == '<' || runes[i-1] == '>') {
				out.WriteRune(ch)
				continue
			}
			out.WriteString("==")
		case '&':
			out.WriteString("&&")
			if i+1 < len(runes) && runes[i+1] == '&' {
				i++
			}
		case '|':
			out.WriteString("||")
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
		case '~':
			pattern, next, err := scanRegex(runes, i+1)
			if err != nil {
				return "", err
			}
			out.WriteString("=~ ")
			out.WriteString(quote(pattern))
			i = next - 1
		default:
			out.WriteRune(ch)
		}
	}
	return out.String(), nil
}

// scanString reads a quoted literal starting at the opening quote and
// returns its unescaped content and the index past the closing quote.
func scanString(runes []rune, start int) (string, int, error) {
	quoteCh := runes[start]
	var content strings.Builder

	for i := start + 1; i < len(runes); i++ {
		ch := runes[i]
		if ch == '\\' && i+1 < len(runes) {
			content.WriteRune(runes[i+1])
			i++
			continue
		}
		if ch == quoteCh {
			return content.String(), i + 1, nil
		}
		content.WriteRune(ch)
	}
	return "", 0, &syntaxError{position: start, message: "unterminated string literal"}
}

// scanRegex reads the right-hand side of a `~` operator: a JS-style
// `/pattern/flags` literal or a quoted pattern. A case-insensitive flag is
// folded into the pattern.
func scanRegex(runes []rune, start int) (string, int, error) {
	i := start
	for i < len(runes) && runes[i] == ' ' {
		i++
	}
	if i >= len(runes) {
		return "", 0, &syntaxError{position: start, message: "missing regex after ~ operator"}
	}

	if runes[i] == '\'' || runes[i] == '"' {
		pattern, next, err := scanString(runes, i)
		return pattern, next, err
	}
	if runes[i] != '/' {
		return "", 0, &syntaxError{position: i, message: "expected regex literal after ~ operator"}
	}

	var pattern strings.Builder
	i++
	for ; i < len(runes); i++ {
		ch := runes[i]
		if ch == '\\' && i+1 < len(runes) {
			pattern.WriteRune(ch)
			pattern.WriteRune(runes[i+1])
			i++
			continue
		}
		if ch == '/' {
			flags, next := scanRegexFlags(runes, i+1)
			result := pattern.String()
			if strings.ContainsRune(flags, 'i') {
				result = "(?i)" + result
			}
			return result, next, nil
		}
		pattern.WriteRune(ch)
	}
	return "", 0, &syntaxError{position: start, message: "unterminated regex literal"}
}

func scanRegexFlags(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && runes[i] >= 'a' && runes[i] <= 'z' {
		i++
	}
	return string(runes[start:i]), i
}

func quote(content string) string {
	var out strings.Builder
	out.WriteByte('"')
	for _, ch := range content {
		switch ch {
		case '"':
			out.WriteString(`\"`)
		case '\\':
			out.WriteString(`\\`)
		default:
			out.WriteRune(ch)
		}
	}
	out.WriteByte('"')
	return out.String()
}
