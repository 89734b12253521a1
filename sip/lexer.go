package sip

import (
	"fmt"
	"strings"

	"sipcallgo/system"
)

// Internal form of one header field line: a name and one or more
// comma-separated value sets; each value set is a list of words plus an
// optional list of parameters. This is what the per-field parsers and
// composers of the field codec operate on.

type Parameter struct {
	Name  string
	Value string // empty value means a flag parameter
}

type ValueSet struct {
	Words      []string
	Parameters []Parameter
}

type Field struct {
	Name      string // lower case
	ValueSets []ValueSet
}

func (vs *ValueSet) Parameter(nm string) (string, bool) {
	for _, p := range vs.Parameters {
		if p.Name == nm {
			return p.Value, true
		}
	}
	return "", false
}

func (vs *ValueSet) HasFlag(nm string) bool {
	_, ok := vs.Parameter(nm)
	return ok
}

// =================================================================

// UnfoldLines joins continuation lines (first character SP or HT) onto
// the preceding line, per RFC 3261 section 7.3.1.
func UnfoldLines(lines []string) []string {
	var out []string
	for _, ln := range lines {
		if len(ln) > 0 && (ln[0] == ' ' || ln[0] == '\t') && len(out) > 0 {
			out[len(out)-1] += " " + strings.TrimLeft(ln, " \t")
			continue
		}
		out = append(out, ln)
	}
	return out
}

// LexFieldLine splits one unfolded header line into its internal form.
// Returns false when the line does not match `name ":" value`.
func LexFieldLine(line string) (Field, bool) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return Field{}, false
	}
	name := strings.TrimSpace(line[:colon])
	if name == "" || strings.ContainsAny(name, " \t") {
		return Field{}, false
	}
	value := strings.TrimSpace(line[colon+1:])

	fld := Field{Name: expandCompactName(system.ASCIIToLower(name))}
	for _, chunk := range splitTopLevelCommas(value) {
		vs, keep := lexValueSet(chunk)
		if keep {
			fld.ValueSets = append(fld.ValueSets, vs)
		}
	}
	return fld, true
}

// splitTopLevelCommas splits on commas that are outside quoted strings,
// angle brackets and parenthesized comments.
func splitTopLevelCommas(value string) []string {
	var parts []string
	var sb strings.Builder
	inQuotes := false
	inAngle := false
	parens := 0
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '"':
			if !inAngle {
				inQuotes = !inQuotes
			}
		case '<':
			if !inQuotes && parens == 0 {
				inAngle = true
			}
		case '>':
			if !inQuotes && parens == 0 {
				inAngle = false
			}
		case '(':
			if !inQuotes && !inAngle {
				parens++
			}
		case ')':
			if !inQuotes && !inAngle && parens > 0 {
				parens--
			}
		case ',':
			if !inQuotes && !inAngle && parens == 0 {
				parts = append(parts, sb.String())
				sb.Reset()
				continue
			}
		}
		sb.WriteByte(c)
	}
	parts = append(parts, sb.String())
	return parts
}

// lexValueSet tokenizes one value set with the character class state
// machine from the wire grammar:
//   - `"` toggles quoted mode; only the closing quote is special inside
//   - `<`..`>` is URI mode; the enclosed content is a single word
//   - `(`..`)` is a comment, discarded; nesting counted
//   - `;` outside URI/quoted starts the parameter section; `=` assigns
//   - whitespace separates words
//
// An empty word list with an empty parameter list drops the set.
func lexValueSet(chunk string) (ValueSet, bool) {
	var vs ValueSet
	var sb strings.Builder

	inQuotes := false
	inAngle := false
	parens := 0
	inParams := false
	var parName string
	haveParName := false

	commitWord := func() {
		if sb.Len() > 0 {
			vs.Words = append(vs.Words, sb.String())
			sb.Reset()
		}
	}
	commitParam := func() {
		if haveParName {
			vs.Parameters = append(vs.Parameters, Parameter{Name: parName, Value: sb.String()})
		} else if sb.Len() > 0 {
			vs.Parameters = append(vs.Parameters, Parameter{Name: sb.String()})
		}
		sb.Reset()
		parName = ""
		haveParName = false
	}

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		if inQuotes {
			sb.WriteByte(c)
			if c == '"' {
				inQuotes = false
			}
			continue
		}
		if parens > 0 {
			switch c {
			case '(':
				parens++
			case ')':
				parens--
			}
			continue
		}
		if inAngle {
			sb.WriteByte(c)
			if c == '>' {
				inAngle = false
				if !inParams {
					commitWord()
				}
			}
			continue
		}

		switch c {
		case '"':
			inQuotes = true
			sb.WriteByte(c)
		case '<':
			if !inParams {
				commitWord()
			}
			inAngle = true
			sb.WriteByte(c)
		case '(':
			if !inParams {
				commitWord()
			}
			parens = 1
		case ';':
			if inParams {
				commitParam()
			} else {
				commitWord()
				inParams = true
			}
		case '=':
			if inParams && !haveParName {
				parName = sb.String()
				haveParName = true
				sb.Reset()
			} else {
				sb.WriteByte(c)
			}
		case ' ', '\t':
			if inParams {
				// parameters carry no embedded whitespace
			} else {
				commitWord()
			}
		default:
			sb.WriteByte(c)
		}
	}
	if inParams {
		commitParam()
	} else {
		commitWord()
	}

	if len(vs.Words) == 0 && len(vs.Parameters) == 0 {
		return vs, false
	}
	return vs, true
}

// =================================================================

// composeValueSet renders the internal form back to wire text.
func composeValueSet(vs *ValueSet) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(vs.Words, " "))
	for _, p := range vs.Parameters {
		if p.Value == "" {
			sb.WriteString(fmt.Sprintf(";%s", p.Name))
		} else {
			sb.WriteString(fmt.Sprintf(";%s=%s", p.Name, p.Value))
		}
	}
	return sb.String()
}

func composeField(fld *Field) string {
	parts := make([]string, 0, len(fld.ValueSets))
	for i := range fld.ValueSets {
		parts = append(parts, composeValueSet(&fld.ValueSets[i]))
	}
	return strings.Join(parts, ", ")
}
