//go:build integration

package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNats_Connect(t *testing.T) {
	connect := NewTestContainer(t)
	nc1, disconnect1, err := connect()
	require.NoError(t, err)
	require.NotNil(t, nc1)
	require.Equal(t, "CONNECTED", nc1.Status().String())
	require.NoError(t, ReadyCheck(nc1)(t.Context()))

	disconnect1()
	require.Equal(t, "CLOSED", nc1.Status().String())
	require.Error(t, ReadyCheck(nc1)(t.Context()))
}

func TestNats_ReuseConnection(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))

	nc1, release1, err := connect()
	require.NoError(t, err)
	nc2, release2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)

	release1()
	require.Equal(t, "CONNECTED", nc2.Status().String())
	release2()
	require.Equal(t, "CLOSED", nc1.Status().String())

	nc3, release3, err := connect()
	require.NoError(t, err)
	defer release3()
	require.NotSame(t, nc1, nc3)
	require.Equal(t, "CONNECTED", nc3.Status().String())
}
