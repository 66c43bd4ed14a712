package signature_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivia/agentcore/internal/signature"
)

func TestOf_KeyOrderAndWhitespaceIgnored(t *testing.T) {
	a := signature.Of("apply_content", json.RawMessage(`{"ref":"n1","ops":[{"id":"o1","action":"delete"}]}`))
	b := signature.Of("apply_content", json.RawMessage(`{ "ops" : [ { "action":"delete", "id":"o1" } ],
		"ref": "n1" }`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestOf_Distinguishes(t *testing.T) {
	base := signature.Of("t", json.RawMessage(`{"a":[1,2]}`))

	tests := []struct {
		name string
		tool string
		args string
	}{
		{"different tool", "u", `{"a":[1,2]}`},
		{"array order", "t", `{"a":[2,1]}`},
		{"number literal", "t", `{"a":[1.0,2]}`},
		{"string vs number", "t", `{"a":["1",2]}`},
		{"extra key", "t", `{"a":[1,2],"b":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, signature.Of(tt.tool, json.RawMessage(tt.args)))
		})
	}
}

func TestOf_Deterministic(t *testing.T) {
	args := json.RawMessage(`{"z":{"y":1,"x":[{"b":true,"a":"s"}]},"m":"é"}`)
	first := signature.Of("tool", args)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, signature.Of("tool", args))
	}
}

func TestOf_UnparseableArgs(t *testing.T) {
	bad := json.RawMessage(`{"a":`)
	assert.NotPanics(t, func() { signature.Of("t", bad) })
	assert.Equal(t, signature.Of("t", bad), signature.Of("t", bad))
	assert.NotEqual(t, signature.Of("t", bad), signature.Of("t", json.RawMessage(`{}`)))
	assert.NotEqual(t, signature.Of("t", bad), signature.Of("t", json.RawMessage(`{"a":1} {"b":2}`)))
}

func TestOf_EmptyArgsEqualEmptyObject(t *testing.T) {
	assert.Equal(t, signature.Of("t", nil), signature.Of("t", json.RawMessage(`{}`)))
}

func TestSigner_IgnoreFields(t *testing.T) {
	s := signature.NewSigner("timestamp", " requestId ")

	a := s.Of("t", json.RawMessage(`{"q":"x","timestamp":1,"nested":{"requestId":"r1","v":2}}`))
	b := s.Of("t", json.RawMessage(`{"q":"x","timestamp":2,"nested":{"requestId":"r2","v":2}}`))
	assert.Equal(t, a, b)

	c := s.Of("t", json.RawMessage(`{"q":"y","timestamp":1,"nested":{"v":2}}`))
	assert.NotEqual(t, a, c)
}

func TestCanonical(t *testing.T) {
	out, err := signature.NewSigner().Canonical(json.RawMessage(`{"b":[3,{"d":1,"c":2}],"a":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":[3,{"c":2,"d":1}]}`, string(out))
}
