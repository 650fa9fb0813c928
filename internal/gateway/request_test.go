package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poslink/terminal-bridge/internal/config"
)

func TestMergedNestedOverridesTopLevel(t *testing.T) {
	b := body{
		"baseAmount": "1.00",
		"ecrId":      "top",
		"sale": map[string]interface{}{
			"baseAmount": "2.00",
			"tipAmount":  "0.50",
		},
	}
	m := b.merged("sale")
	assert.Equal(t, "2.00", m.str("baseAmount"))
	assert.Equal(t, "0.50", m.str("tipAmount"))
	assert.Equal(t, "top", m.str("ecrId"))
	assert.False(t, m.has("sale"))
}

func TestMergedWithoutSection(t *testing.T) {
	b := body{"baseAmount": "1.00"}
	m := b.merged("sale")
	assert.Equal(t, "1.00", m.str("baseAmount"))
}

func TestStrCoercesNumbers(t *testing.T) {
	b := body{"port": float64(5015), "ratio": 1.5}
	assert.Equal(t, "5015", b.str("port"))
	assert.Equal(t, "1.5", b.str("ratio"))
	assert.Equal(t, "", b.str("missing"))
}

func TestFlagNormalization(t *testing.T) {
	b := body{
		"a": true,
		"b": false,
		"c": float64(1),
		"d": float64(0),
		"e": "1",
		"f": "true",
		"g": "no",
	}
	assert.Equal(t, "1", b.flag("a"))
	assert.Equal(t, "0", b.flag("b"))
	assert.Equal(t, "1", b.flag("c"))
	assert.Equal(t, "0", b.flag("d"))
	assert.Equal(t, "1", b.flag("e"))
	assert.Equal(t, "1", b.flag("f"))
	assert.Equal(t, "0", b.flag("g"))
	assert.Equal(t, "0", b.flag("missing"))
}

func TestTargetResolution(t *testing.T) {
	defaults := config.Agent{TerminalIP: "10.0.0.9", TerminalPort: 5015, EcrID: "1"}

	addr, ecr := body{}.target(defaults)
	assert.Equal(t, "10.0.0.9:5015", addr)
	assert.Equal(t, "1", ecr)

	addr, ecr = body{"ip": "192.168.1.50", "port": float64(5016), "ecrId": "7"}.target(defaults)
	assert.Equal(t, "192.168.1.50:5016", addr)
	assert.Equal(t, "7", ecr)
}

func TestNormalizeAmount(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"10", "10.00"},
		{"10.5", "10.50"},
		{"10.005", "10.01"},
		{"0.1", "0.10"},
		{float64(25), "25.00"},
		{12.345, "12.35"},
		{"-3.2", "-3.20"},
	}
	for _, c := range cases {
		got, err := normalizeAmount(c.in)
		require.NoError(t, err, "input %v", c.in)
		assert.Equal(t, c.want, got, "input %v", c.in)
	}

	_, err := normalizeAmount("not-a-number")
	assert.Error(t, err)
	_, err = normalizeAmount(nil)
	assert.Error(t, err)
	_, err = normalizeAmount([]interface{}{})
	assert.Error(t, err)
}

func TestAmountFieldRequired(t *testing.T) {
	b := body{"tipAmount": "1.5"}

	got, err := b.amountField("tipAmount", false)
	require.NoError(t, err)
	assert.Equal(t, "1.50", got)

	got, err = b.amountField("baseAmount", false)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = b.amountField("baseAmount", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseAmount is required")
}
