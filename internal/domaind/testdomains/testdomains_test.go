package testdomains

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/elfloader"
)

func TestBuildFixtureELFLoadsWithoutRelocations(t *testing.T) {
	t.Parallel()

	raw := BuildFixtureELF(4096, nil)
	loaded, err := elfloader.Load(raw, "fixture-no-relocs")
	require.NoError(t, err)
	defer loaded.Release()
}

func TestBuildFixtureELFAppliesRelocations(t *testing.T) {
	t.Parallel()

	raw := BuildFixtureELF(4096, []uint64{8, 256})
	loaded, err := elfloader.Load(raw, "fixture-with-relocs")
	require.NoError(t, err)
	defer loaded.Release()
}

func TestStdlibLoggerEntryProducesWorkingLog(t *testing.T) {
	t.Parallel()

	entry := NewStdlibLoggerEntry()
	inst, err := entry(capability.InitArgs{DomainID: 7})
	require.NoError(t, err)

	require.NoError(t, inst.Init(capability.InitArgs{DomainID: 7}))
	logger := inst.(capability.Log)
	require.NoError(t, logger.Write(context.Background(), capability.LogInfo, "hello"))

	stdlib := inst.(*StdlibLogger)
	assert.Len(t, stdlib.Messages, 1)
	assert.Contains(t, stdlib.Messages[0], "hello")
	assert.Contains(t, stdlib.Messages[0], "domain-7")
}
