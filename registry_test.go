package cm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqFactory() CopyMachineBehavior { return newSeqType(0, 1, 0) }

func TestRegistryTypes(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	require.NoError(t, reg.Register(&Type{Name: "repair", New: seqFactory}))
	require.NoError(t, reg.Register(&Type{Name: "rebalance", New: seqFactory}))
	assert.True(t, errors.Is(reg.Register(&Type{Name: "repair", New: seqFactory}), ErrTypeExists))
	assert.Error(t, reg.Register(&Type{Name: "broken"}))

	assert.Equal(t, []string{"rebalance", "repair"}, reg.Names())

	typ, err := reg.Lookup("repair")
	require.NoError(t, err)
	assert.Equal(t, "repair", typ.Name)
	_, err = reg.Lookup("copy")
	assert.True(t, errors.Is(err, ErrTypeNotFound))

	require.NoError(t, reg.Deregister("rebalance"))
	assert.True(t, errors.Is(reg.Deregister("rebalance"), ErrTypeNotFound))
	assert.Equal(t, []string{"repair"}, reg.Names())
}

func TestRegistryOneMachinePerType(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()
	require.NoError(t, reg.Register(&Type{Name: "repair", New: seqFactory}))

	m, err := reg.NewMachine("repair", testOptions())
	require.NoError(t, err)
	assert.Equal(t, "repair", m.TypeName())
	assert.NotZero(t, m.ID())

	_, err = reg.NewMachine("repair", testOptions())
	assert.Error(t, err)
	assert.Error(t, reg.Deregister("repair"), "type with a live machine was deregistered")

	got, ok := reg.Machine("repair")
	require.True(t, ok)
	assert.Same(t, m, got)
	assert.Contains(t, reg.Stats(), "repair")

	require.NoError(t, m.Setup())
	m.Fini()
	assert.Equal(t, StateFini, m.State())
	_, ok = reg.Machine("repair")
	assert.False(t, ok)
	require.NoError(t, reg.Deregister("repair"))
}

func TestRegistryClose(t *testing.T) {
	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Register(&Type{Name: "repair", New: func() CopyMachineBehavior { return newSeqType(3, 1, 0) }}))
	m, err := reg.NewMachine("repair", testOptions())
	require.NoError(t, err)
	runMachine(t, m)

	require.NoError(t, reg.Close())
	assert.Equal(t, StateFini, m.State())
	assert.True(t, errors.Is(reg.Register(&Type{Name: "x", New: seqFactory}), ErrRegistryClosed))
	_, err = reg.NewMachine("repair", testOptions())
	assert.True(t, errors.Is(err, ErrRegistryClosed))
	assert.NoError(t, reg.Close())
}

func TestMachineRejectsLongEndpoint(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()
	require.NoError(t, reg.Register(&Type{Name: "repair", New: seqFactory}))

	opts := testOptions()
	opts.Endpoint = string(make([]byte, MaxEndpointLen+1))
	_, err := reg.NewMachine("repair", opts)
	assert.True(t, errors.Is(err, ErrEndpointTooLong))
}
