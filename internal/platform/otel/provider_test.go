package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "arena-test", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
