package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnfoldLines(t *testing.T) {
	in := []string{
		"Subject: the quick",
		" brown fox",
		"\tjumps over",
		"Via: SIP/2.0/TCP h",
	}
	out := UnfoldLines(in)
	require.Len(t, out, 2)
	assert.Equal(t, "Subject: the quick brown fox jumps over", out[0])
}

func TestLexSimpleField(t *testing.T) {
	fld, ok := LexFieldLine("CSeq: 314159 INVITE")
	require.True(t, ok)
	assert.Equal(t, "cseq", fld.Name)
	require.Len(t, fld.ValueSets, 1)
	assert.Equal(t, []string{"314159", "INVITE"}, fld.ValueSets[0].Words)
}

func TestLexCompactName(t *testing.T) {
	fld, ok := LexFieldLine("i: abc@def")
	require.True(t, ok)
	assert.Equal(t, "call-id", fld.Name)
}

func TestLexTopLevelCommas(t *testing.T) {
	fld, ok := LexFieldLine("Route: <sip:a@h1;lr>, <sip:b@h2;lr>")
	require.True(t, ok)
	require.Len(t, fld.ValueSets, 2)
	assert.Equal(t, "<sip:a@h1;lr>", fld.ValueSets[0].Words[0])
	assert.Equal(t, "<sip:b@h2;lr>", fld.ValueSets[1].Words[0])
}

func TestLexCommaInsideQuotesAndAngles(t *testing.T) {
	fld, ok := LexFieldLine(`From: "Doe, Jane" <sip:jane@h;p=1,2>;tag=x`)
	require.True(t, ok)
	require.Len(t, fld.ValueSets, 1, "quoted and angle commas are not separators")
	vs := fld.ValueSets[0]
	assert.Equal(t, `"Doe, Jane"`, vs.Words[0])
	assert.Equal(t, "<sip:jane@h;p=1,2>", vs.Words[1])
	tag, ok := vs.Parameter("tag")
	require.True(t, ok)
	assert.Equal(t, "x", tag)
}

func TestLexParameters(t *testing.T) {
	fld, ok := LexFieldLine("Via: SIP/2.0/TCP host:5060;branch=z9hG4bK77;rport;received=1.2.3.4")
	require.True(t, ok)
	vs := fld.ValueSets[0]
	assert.Equal(t, []string{"SIP/2.0/TCP", "host:5060"}, vs.Words)

	branch, _ := vs.Parameter("branch")
	assert.Equal(t, "z9hG4bK77", branch)
	assert.True(t, vs.HasFlag("rport"), "valueless parameter behaves as a flag")
	received, _ := vs.Parameter("received")
	assert.Equal(t, "1.2.3.4", received)
}

func TestLexComments(t *testing.T) {
	fld, ok := LexFieldLine("User-Agent: agent/1.0 (a comment (nested) here) tail")
	require.True(t, ok)
	assert.Equal(t, []string{"agent/1.0", "tail"}, fld.ValueSets[0].Words)
}

func TestLexEmptyValueSetDropped(t *testing.T) {
	fld, ok := LexFieldLine("Supported: a, , b")
	require.True(t, ok)
	assert.Len(t, fld.ValueSets, 2)
}

func TestLexRejectsBadLine(t *testing.T) {
	_, ok := LexFieldLine("no colon here")
	assert.False(t, ok)
	_, ok = LexFieldLine(": empty name")
	assert.False(t, ok)
}

func TestLexFoldedEqualsUnfolded(t *testing.T) {
	folded := UnfoldLines([]string{"Subject: a", " b c"})
	plain := UnfoldLines([]string{"Subject: a b c"})
	f1, ok1 := LexFieldLine(folded[0])
	f2, ok2 := LexFieldLine(plain[0])
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, f2, f1)
}
