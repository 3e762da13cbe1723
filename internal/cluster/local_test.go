package cluster

import (
	"context"
	"testing"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	h := newRecorder()
	h.conns = 5
	b := NewLocalBackend("solo", zap.NewNop())
	require.NoError(t, b.Start(ctx, h))

	list, err := b.Instances(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "solo", list[0].ID)
	assert.Equal(t, 5, list[0].Connections)

	total, err := b.TotalConnectionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	owner, err := b.OwnerOf(ctx, "any")
	require.NoError(t, err)
	assert.Equal(t, "solo", owner)
	assert.True(t, b.OwnsTenant("any"))

	assert.NoError(t, b.RelayEvent(ctx, alert()))
	recs, err := b.RemoteConnections(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, b.DeliverRemote(ctx, "solo", alert(), []string{"c1"}))
	d := <-h.deliveries
	assert.Equal(t, []string{"c1"}, d.targets)

	assert.ErrorIs(t, b.DeliverRemote(ctx, "other", alert(), []string{"c1"}), cnst.ErrClusterUnavailable)
	assert.NoError(t, b.Healthy(ctx))
	assert.NoError(t, b.Close(ctx))
}

func TestNewInstanceID(t *testing.T) {
	assert.Equal(t, "fixed", NewInstanceID("fixed"))
	a, b := NewInstanceID(""), NewInstanceID("")
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
