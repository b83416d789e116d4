package persistence_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/metadata"
	"github.com/wbcache/wbcache/pkg/persistence"
)

func testGeometry() persistence.Geometry {
	return persistence.Geometry{
		Format:    metadata.Format{Checksums: false},
		BlockSize: 8,
		Size:      16,
		Assoc:     4,
		DiskName:  "/dev/disk",
		CacheName: "/dev/cache",
	}
}

// newCacheDevice sizes a Mem device large enough for the superblock,
// descriptor region, and payload area of testGeometry.
func newCacheDevice(t *testing.T) blockio.Device {
	t.Helper()

	geom := testGeometry()
	mdSectors := geom.Format.MDSectors(int64(geom.Size))
	payloadSectors := int64(geom.Size) * int64(geom.BlockSize)

	return blockio.NewMem(mdSectors + payloadSectors)
}

func TestCreate_RejectsExistingCacheWithoutForce(t *testing.T) {
	dev := newCacheDevice(t)
	geom := testGeometry()

	_, _, err := persistence.Create(dev, geom, false)
	require.NoError(t, err)

	_, _, err = persistence.Create(dev, geom, false)
	require.ErrorIs(t, err, persistence.ErrExistingCache)

	_, _, err = persistence.Create(dev, geom, true)
	require.NoError(t, err)
}

func TestCreateThenLoad_RoundTripsCleanState(t *testing.T) {
	dev := newCacheDevice(t)
	geom := testGeometry()

	m, descriptors, err := persistence.Create(dev, geom, false)
	require.NoError(t, err)
	require.Len(t, descriptors, int(geom.Size))

	for _, d := range descriptors {
		require.Equal(t, metadata.Invalid, d.State)
	}

	result, err := m.Store(descriptors, 0, geom)
	require.NoError(t, err)
	require.Equal(t, metadata.StateClean, result.State)

	_, loaded, err := persistence.Load(dev, geom.Format)
	require.NoError(t, err)

	for _, d := range loaded {
		require.Equal(t, metadata.Invalid, d.State)
	}
}

func TestLoad_DirtyShutdownOnlyTrustsDirtyDescriptors(t *testing.T) {
	dev := newCacheDevice(t)
	geom := testGeometry()

	m, descriptors, err := persistence.Create(dev, geom, false)
	require.NoError(t, err)

	descriptors[2] = metadata.Descriptor{DBN: 16, State: metadata.Dirty}
	descriptors[5] = metadata.Descriptor{DBN: 40, State: metadata.Valid}

	// Simulate an unclean shutdown: write the descriptor region through
	// Store, then put the superblock state back to DIRTY below.
	_, err = m.Store(descriptors, 1, geom)
	require.NoError(t, err)

	// Store() would normally mark this FASTCLEAN; force it back to DIRTY
	// to simulate a crash before the final flush completed.
	sbBuf := make([]byte, metadata.SectorSize)
	require.NoError(t, dev.ReadSync(0, sbBuf))
	sb, err := metadata.DecodeSuperblock(sbBuf)
	require.NoError(t, err)
	sb.State = metadata.StateDirty
	require.NoError(t, dev.WriteSync(0, metadata.EncodeSuperblock(sb)))

	_, loaded, err := persistence.Load(dev, geom.Format)
	require.NoError(t, err)

	require.Equal(t, metadata.Dirty, loaded[2].State)
	require.Equal(t, uint64(16), loaded[2].DBN)
	require.Equal(t, metadata.Invalid, loaded[5].State, "non-dirty descriptors must be forced invalid after an unclean shutdown")
}

func TestWriteDescriptorSector_SerializesConcurrentWritersToOneSector(t *testing.T) {
	dev := newCacheDevice(t)
	geom := testGeometry()

	m, _, err := persistence.Create(dev, geom, false)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)

	for i := 0; i < 5; i++ {
		wg.Add(1)

		v := i
		go func() {
			m.WriteDescriptorSector(1, func() []byte {
				buf := make([]byte, metadata.SectorSize)
				buf[0] = byte(v)

				return buf
			}, func(err error) {
				mu.Lock()
				results = append(results, err)
				mu.Unlock()
				wg.Done()
			})
		}()
	}

	wg.Wait()

	require.Len(t, results, 5)
	for _, err := range results {
		require.NoError(t, err)
	}
}
