package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmitSeedRequestValidate(t *testing.T) {
	ok := AdmitSeedRequest{Target: "zlib", SourceDigest: "v1:abc"}
	assert.NoError(t, ok.Validate())

	tests := []struct {
		name string
		req  AdmitSeedRequest
		want string
	}{
		{"missing target", AdmitSeedRequest{SourceDigest: "d"}, "target is required"},
		{"missing digest", AdmitSeedRequest{Target: "zlib"}, "source_digest is required"},
		{"long digest", AdmitSeedRequest{Target: "zlib", SourceDigest: strings.Repeat("a", MaxSourceDigestLen+1)}, "source_digest exceeds"},
		{"bad origin", AdmitSeedRequest{Target: "zlib", SourceDigest: "d", Origin: "forked"}, "origin"},
		{"mutate without parents", AdmitSeedRequest{Target: "zlib", SourceDigest: "d", Origin: OriginMutate}, "requires at least one parent"},
		{"root with parents", AdmitSeedRequest{Target: "zlib", SourceDigest: "d", Origin: OriginRandom, Lineage: []SeedID{1}}, "cannot have parents"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tc.want)
			}
		})
	}

	child := AdmitSeedRequest{Target: "zlib", SourceDigest: "d", Origin: OriginCombine, Lineage: []SeedID{1, 2}}
	assert.NoError(t, child.Validate())
}

func TestIngestTracesRequestValidate(t *testing.T) {
	assert.Error(t, IngestTracesRequest{}.Validate())

	long := IngestTracesRequest{Traces: []RawTrace{{Target: "zlib", Calls: []string{strings.Repeat("x", MaxCallNameLen+1)}}}}
	assert.ErrorContains(t, long.Validate(), "call name exceeds")

	good := IngestTracesRequest{Traces: []RawTrace{{Target: "zlib", SeedID: 1, Branches: []uint32{1, 2}}}}
	assert.NoError(t, good.Validate())
}
