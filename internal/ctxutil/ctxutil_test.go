package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/tane/internal/auth"
	"github.com/ashita-ai/tane/internal/model"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ClaimsFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(ctx))

	claims := &auth.Claims{WorkerID: "fuzzer-1", Role: model.RoleWorker}
	ctx = WithRequestID(WithClaims(ctx, claims), "req-1")
	assert.Same(t, claims, ClaimsFromContext(ctx))
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
}
