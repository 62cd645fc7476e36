package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoopAndUsable(t *testing.T) {
	p, err := Init(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	ctx, span := p.Start(context.Background(), SpanBackfillGuild)
	assert.NotNil(t, ctx)
	span.End()
}

func TestShutdownOnNilProviderIsSafe(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownIsIdempotent(t *testing.T) {
	p, err := Init(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}
