// ABOUTME: Tests for heuristic object extraction from interleaved output.
// ABOUTME: Covers prose interleaving, string literals, escapes, and partial objects.

package fsbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObjects(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantObjs []string
		wantRest string
	}{
		{
			name:     "clean object",
			raw:      `{"id":"a"}`,
			wantObjs: []string{`{"id":"a"}`},
		},
		{
			name:     "prose around object",
			raw:      `Scanning workspace {"id":"a","result":{}} done`,
			wantObjs: []string{`{"id":"a","result":{}}`},
		},
		{
			name:     "two objects with prose between",
			raw:      `x{"a":1}y{"b":2}z`,
			wantObjs: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:     "partial object kept as rest",
			raw:      `{"a":1}{"b":`,
			wantObjs: []string{`{"a":1}`},
			wantRest: `{"b":`,
		},
		{
			name:     "braces inside string literal",
			raw:      `{"msg":"a{b}c"}`,
			wantObjs: []string{`{"msg":"a{b}c"}`},
		},
		{
			name:     "escaped quotes inside string",
			raw:      `{"msg":"say \"hi\" {"}`,
			wantObjs: []string{`{"msg":"say \"hi\" {"}`},
		},
		{
			name:     "nested objects",
			raw:      `{"a":{"b":{"c":1}}}`,
			wantObjs: []string{`{"a":{"b":{"c":1}}}`},
		},
		{
			name: "prose only",
			raw:  `no structured output here`,
		},
		{
			name:     "stray close brace before object",
			raw:      `oops} {"a":1}`,
			wantObjs: []string{`{"a":1}`},
		},
		{
			name:     "open brace only",
			raw:      `{"never":`,
			wantRest: `{"never":`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objs, rest := extractObjects([]byte(tt.raw))
			require.Len(t, objs, len(tt.wantObjs))
			for i := range objs {
				assert.Equal(t, tt.wantObjs[i], string(objs[i]))
			}
			assert.Equal(t, tt.wantRest, string(rest))
		})
	}
}

func TestExtractObjects_AcrossChunks(t *testing.T) {
	objs, rest := extractObjects([]byte(`Indexing {"id":"r1","resu`))
	assert.Empty(t, objs)
	require.Equal(t, `{"id":"r1","resu`, string(rest))

	// The next chunk completes the object; prose after it is dropped.
	joined := append(rest, []byte(`lt":{"n":1}} telemetry ok`)...)
	objs, rest = extractObjects(joined)
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"id":"r1","result":{"n":1}}`, string(objs[0]))
	assert.Empty(t, rest)
}

func TestDecodeReply(t *testing.T) {
	t.Run("result", func(t *testing.T) {
		rep, err := decodeReply([]byte(`{"id":"r1","result":{"path":"a.tracery"}}`))
		require.NoError(t, err)
		assert.Equal(t, "r1", rep.ID)
		assert.JSONEq(t, `{"path":"a.tracery"}`, string(rep.Result))
		assert.Nil(t, rep.Error)
	})

	t.Run("error envelope", func(t *testing.T) {
		rep, err := decodeReply([]byte(`{"id":"r2","error":{"message":"not found"}}`))
		require.NoError(t, err)
		require.NotNil(t, rep.Error)
		assert.Equal(t, "not found", rep.Error.Message)
	})

	t.Run("balanced but invalid", func(t *testing.T) {
		_, err := decodeReply([]byte(`{not json}`))
		assert.Error(t, err)
	})
}
