package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tane/internal/model"
)

func TestRenderExactLayout(t *testing.T) {
	h := Header{
		ID:             42,
		Prompt:         Prompt{Origin: model.OriginMutate, Metadata: "parse then print", Lineage: []model.SeedID{7}},
		Combination:    []string{"cJSON_Parse", "cJSON_Delete"},
		Score:          0.5123451,
		NrUniqueBranch: 2,
		Quality: Quality{
			Density:        0.07,
			UniqueBranches: map[string][]uint32{"cJSON": {3, 8}},
			LibraryCalls:   []string{"cJSON_Parse"},
			CriticalCalls:  []string{"cJSON_Parse"},
			Visited:        true,
		},
	}
	var b bytes.Buffer
	require.NoError(t, Render(&b, h))
	want := `// <ID> 42
// <Prompt> {"origin":"mutate","metadata":"parse then print","lineage":[7]}
// <Combination> ["cJSON_Parse","cJSON_Delete"]
// <score> 0.512345, nr_unique_branch: 2
// <Quality> {"density":0.07,"unique_branches":{"cJSON":[3,8]},"library_calls":["cJSON_Parse"],"critical_calls":["cJSON_Parse"],"visited":1}
`
	assert.Equal(t, want, b.String())
}

func TestRenderPendingIsAllZero(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, Render(&b, Header{ID: 3}))
	assert.Contains(t, b.String(), `// <score> 0.000000, nr_unique_branch: 0`)
	assert.Contains(t, b.String(), `// <Quality> {"density":0,"unique_branches":{},"library_calls":[],"critical_calls":[],"visited":0}`)
	assert.Contains(t, b.String(), `// <Combination> []`)

	hs, err := Parse(&b)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.False(t, hs[0].Evaluated())
}

func TestParseExistingCorpusFile(t *testing.T) {
	src := `#include "cJSON.h"
// <ID> 1187
// <Prompt> []
// <Combination> cJSON_Parse, cJSON_GetObjectItem
// <score> 0, nr_unique_branch: 0
// <Quality> {"density":0,"unique_branches":{},"library_calls":[],"critical_calls":[],"visited":0}
// <Unknown> whatever

int LLVMFuzzerTestOneInput(const uint8_t *data, size_t size) {
    // not a header
    return 0;
}
`
	hs, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, hs, 1)
	h := hs[0]
	assert.Equal(t, model.SeedID(1187), h.ID)
	assert.Equal(t, "[]", h.Prompt.Metadata)
	assert.Equal(t, []string{"cJSON_Parse", "cJSON_GetObjectItem"}, h.Combination)
	assert.False(t, h.Evaluated())
}

func TestRoundTripStream(t *testing.T) {
	in := []Header{
		{ID: 1, Target: "zlib", SourceDigest: "v1:aa", Score: 0.25, NrUniqueBranch: 4, Quality: Quality{
			Density: 0.01, UniqueBranches: map[string][]uint32{"zlib": {1, 2, 3, 4}}, LibraryCalls: []string{"inflate"}, CriticalCalls: []string{"inflate"}, Visited: true,
		}},
		{ID: 2, Target: "zlib", Prompt: Prompt{Origin: model.OriginCombine, Lineage: []model.SeedID{1, 1}}},
	}
	var b bytes.Buffer
	require.NoError(t, RenderAll(&b, in))
	out, err := Parse(&b)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "zlib", out[0].Target)
	assert.Equal(t, "v1:aa", out[0].SourceDigest)
	assert.InDelta(t, 0.25, out[0].Score, 1e-9)
	assert.Equal(t, 4, out[0].NrUniqueBranch)
	assert.Equal(t, []uint32{1, 2, 3, 4}, out[0].Quality.UniqueBranches["zlib"])
	assert.True(t, bool(out[0].Quality.Visited))
	assert.True(t, out[0].Evaluated())
	assert.Equal(t, []model.SeedID{1, 1}, out[1].Prompt.Lineage)
}

func TestParseToleratesCountAndBoolVariants(t *testing.T) {
	src := "// <ID> 5\n// <Quality> {\"density\":0.5,\"unique_branches\":3,\"library_calls\":[],\"critical_calls\":[],\"visited\":true}\n"
	hs, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.True(t, bool(hs[0].Quality.Visited))
	assert.Empty(t, hs[0].Quality.UniqueBranches)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("// <ID> abc\n"))
	assert.ErrorContains(t, err, "line 1")
	_, err = Parse(strings.NewReader("// <ID> 1\n// <score> high\n"))
	assert.ErrorContains(t, err, "invalid score")
	_, err = Parse(strings.NewReader("// <ID> 1\n// <Quality> {\"visited\":2}\n"))
	assert.Error(t, err)
}

func TestWriteCorpus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteCorpus(dir, []Header{{ID: 9, Target: "libpng"}, {ID: 10, Target: "libpng"}}))

	path := filepath.Join(dir, "libpng", "9.cpp")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "// <ID> 9\n"))

	hs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, "libpng", hs[0].Target)
}
