// File: httpmsg/params_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package httpmsg

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseParameterizedBare(t *testing.T) {
	pt, err := ParseParameterized("permessage-deflate")
	assert.NilError(t, err)
	assert.Equal(t, pt.Token, "permessage-deflate")
	assert.Equal(t, len(pt.Params), 0)
}

func TestParseParameterizedParams(t *testing.T) {
	pt, err := ParseParameterized("permessage-deflate; server_no_context_takeover; client_max_window_bits=12")
	assert.NilError(t, err)
	assert.Equal(t, len(pt.Params), 2)
	assert.Equal(t, pt.Params[0].Name, "server_no_context_takeover")
	assert.Equal(t, pt.Params[0].HasValue, false)
	assert.Equal(t, pt.Params[1].Name, "client_max_window_bits")
	assert.Equal(t, pt.Params[1].Value, "12")
	assert.Equal(t, pt.Params[1].HasValue, true)
}

func TestParseParameterizedQuoted(t *testing.T) {
	pt, err := ParseParameterized(`text/plain; charset="utf-8"; note="he said \"hi\", twice"`)
	assert.NilError(t, err)
	assert.Equal(t, pt.Token, "text/plain")
	charset, ok := pt.Param("CHARSET")
	assert.Assert(t, ok)
	assert.Equal(t, charset.Value, "utf-8")
	note, ok := pt.Param("note")
	assert.Assert(t, ok)
	assert.Equal(t, note.Value, `he said "hi", twice`)
}

func TestParseParameterizedRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		";",
		"token; =v",
		`token; name="unterminated`,
		"token; name=",
	} {
		if _, err := ParseParameterized(raw); err == nil {
			t.Errorf("ParseParameterized(%q) accepted malformed input", raw)
		}
	}
}

func TestFormatMinimalQuoting(t *testing.T) {
	cases := []struct {
		value string
		want  string
	}{
		{"utf-8", "charset=utf-8"},
		{"a b", `charset="a b"`},
		{`say "hi"`, `charset="say \"hi\""`},
	}
	for _, c := range cases {
		pt := &Parameterized{Token: "text/plain", Params: []Param{{Name: "charset", Value: c.value, HasValue: true}}}
		assert.Equal(t, pt.Format(), "text/plain; "+c.want)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	pt := &Parameterized{
		Token: "text/html",
		Params: []Param{
			{Name: "charset", Value: "iso-8859-1", HasValue: true},
			{Name: "flag"},
			{Name: "q", Value: `with "quotes" and; separators`, HasValue: true},
		},
	}
	back, err := ParseParameterized(pt.Format())
	assert.NilError(t, err)
	assert.DeepEqual(t, back, pt)
}

func TestSplitHeaderList(t *testing.T) {
	got := SplitHeaderList(`permessage-deflate; client_max_window_bits, x-ext; p="a,b", bare`)
	assert.Equal(t, len(got), 3)
	assert.Equal(t, got[0], "permessage-deflate; client_max_window_bits")
	assert.Equal(t, got[1], `x-ext; p="a,b"`)
	assert.Equal(t, got[2], "bare")
}
