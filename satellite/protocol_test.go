package satellite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	f, err := ParseLine("KEY-STATE dev1 5 PRESSED COLOR:ff0000\r\n")
	require.NoError(t, err)
	assert.Equal(t, "KEY-STATE", f.Command)
	assert.Equal(t, []string{"dev1", "5", "PRESSED", "COLOR:ff0000"}, f.Args)

	_, err = ParseLine("   \r\n")
	assert.Error(t, err)
}

func TestEncodeLine(t *testing.T) {
	assert.Equal(t, "PING", EncodeLine("PING"))
	assert.Equal(t, "KEY-PRESS dev1 5 PRESSED", EncodeLine("KEY-PRESS", "dev1", "5", "PRESSED"))
}

func TestPercentEncodeRoundTrip(t *testing.T) {
	cases := []string{
		"plain",
		"with space",
		"cam=1&b",
		"tränen überströmt",
		"100%",
		"",
	}
	for _, c := range cases {
		decoded, err := percentDecode(percentEncode(c))
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestPercentEncodeUnreservedUntouched(t *testing.T) {
	assert.Equal(t, "Abc-123_.~", percentEncode("Abc-123_.~"))
	assert.Equal(t, "a%20b", percentEncode("a b"))
}

func TestPercentDecodeMalformed(t *testing.T) {
	_, err := percentDecode("abc%2")
	assert.Error(t, err)
	_, err = percentDecode("abc%zz")
	assert.Error(t, err)
}

func TestParseKeyStateTags(t *testing.T) {
	ks, err := parseKeyStateTags([]string{"PRESSED", "COLOR:00ff00", "TEXT:CAM%201", "BITMAP:aGVsbG8="})
	require.NoError(t, err)
	assert.True(t, ks.Pressed)
	assert.Equal(t, "00ff00", ks.Color)
	assert.Equal(t, "CAM 1", ks.Text)
	assert.Equal(t, "aGVsbG8=", ks.Bitmap)

	ks, err = parseKeyStateTags([]string{"RELEASED", "UNKNOWN:tag"})
	require.NoError(t, err)
	assert.False(t, ks.Pressed)
}

func TestParseVariableTokens(t *testing.T) {
	vars, err := parseVariableTokens([]string{"tally=cam%201", "preview=cam2"})
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, Variable{Name: "tally", Value: "cam 1"}, vars[0])
	assert.Equal(t, Variable{Name: "preview", Value: "cam2"}, vars[1])

	_, err = parseVariableTokens([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseVariableTokens([]string{"=x"})
	assert.Error(t, err)
}

func TestEncodeVariableToken(t *testing.T) {
	assert.Equal(t, "tally=cam%201", encodeVariableToken("tally", "cam 1"))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "my_var", SafeName("My Var"))
	assert.Equal(t, "tally", SafeName("tally"))
	assert.Equal(t, "a_b_c_1", SafeName("A-B:C 1"))
}

func TestCapabilitiesOverlay(t *testing.T) {
	caps := DefaultCapabilities().overlay([]string{"API:1.5.1", "ROTATION", "VARIABLE_WRITE", "WHATEVER"})
	assert.Equal(t, "1.5.1", caps.APIVersion)
	assert.True(t, caps.Variables) // default survives
	assert.True(t, caps.Rotation)
	assert.True(t, caps.VariableWrite)
	assert.False(t, caps.KeyImages)
}
