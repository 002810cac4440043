package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeJSON_Deterministic(t *testing.T) {
	type manifest struct {
		Pages   map[string]string `json:"pages"`
		Version int               `json:"v"`
	}
	got, err := EncodeJSON(manifest{Pages: map[string]string{"b": "2", "a": "1"}, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"pages":{"a":"1","b":"2"},"v":1}`, string(got))

	again, err := EncodeJSON(manifest{Pages: map[string]string{"a": "1", "b": "2"}, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestEncodeJSON_NoHTMLEscaping(t *testing.T) {
	got, err := EncodeJSON(map[string]string{"page": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"page":"<a&b>"}`, string(got))
}

func TestDecodeJSON(t *testing.T) {
	var out map[string]int
	require.NoError(t, DecodeJSON([]byte(`{"d1":3}`), &out))
	assert.Equal(t, map[string]int{"d1": 3}, out)

	assert.Error(t, DecodeJSON([]byte(`{"d1":3} {}`), &out))
	assert.Error(t, DecodeJSON([]byte(`not json`), &out))
}

func TestMarshal_MapKeyOrderDeterministic(t *testing.T) {
	a := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}
	first, err := Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		got, _ := Marshal(map[string]int{"mid": 3, "alpha": 2, "zeta": 1})
		if !bytes.Equal(got, first) {
			t.Fatalf("non-deterministic encoding on iteration %d", i)
		}
	}
}

func TestUnmarshal_RejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var out map[string]int
	if err := Unmarshal(data, &out); err == nil {
		t.Errorf("expected duplicate key error, got %v", out)
	}
}
