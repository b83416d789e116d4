package wbcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/cleaner"
	"github.com/wbcache/wbcache/pkg/control"
	"github.com/wbcache/wbcache/pkg/engine"
	"github.com/wbcache/wbcache/pkg/index"
	"github.com/wbcache/wbcache/pkg/metadata"
	"github.com/wbcache/wbcache/pkg/persistence"
)

// Open opens the disk and cache devices at opts.DiskPath/CachePath and
// constructs a Cache over them (spec §6 construction arguments).
func Open(opts Options) (*Cache, error) {
	disk, err := blockio.OpenReal(opts.DiskPath)
	if err != nil {
		return nil, wrapErr("open", DeviceOpen, err)
	}

	cacheDev, err := blockio.OpenReal(opts.CachePath)
	if err != nil {
		_ = disk.Close()

		return nil, wrapErr("open", DeviceOpen, err)
	}

	c, err := OpenDevices(disk, cacheDev, opts)
	if err != nil {
		_ = disk.Close()
		_ = cacheDev.Close()

		return nil, err
	}

	return c, nil
}

// OpenDevices constructs a Cache over already-opened disk/cache devices,
// running opts.Mode's persistence action (spec §4.F create/load) and
// wiring the index, request engine, cleaner, and control-surface
// instance together (spec §3 "Cache instance" lifecycle, spec §2 data
// flow). Exposed directly so a caller that already owns device handles
// (tests; a block-device integration shim with its own open/size-probe
// logic) does not have to round-trip through a path.
func OpenDevices(disk, cacheDev blockio.Device, opts Options) (*Cache, error) {
	blockSize := opts.blockSize()
	assoc := opts.assoc()

	if !isPow2(uint64(blockSize)) || !isPow2(uint64(assoc)) {
		return nil, wrapErr("open", ConfigInvalid, fmt.Errorf("block size and assoc must be powers of two"))
	}

	if assoc > MaxAssoc {
		return nil, wrapErr("open", ConfigInvalid, fmt.Errorf("assoc %d exceeds MaxAssoc %d", assoc, MaxAssoc))
	}

	format := metadata.Format{Checksums: opts.Checksums}

	sizeSectors := opts.Size
	if sizeSectors == 0 {
		sizeSectors = uint64(cacheDev.SectorCount())
	}

	geom := persistence.Geometry{
		Format:      format,
		BlockSize:   blockSize,
		Size:        sizeSectors / uint64(blockSize),
		Assoc:       assoc,
		DiskName:    opts.DiskPath,
		CacheName:   opts.CachePath,
		DiskSectors: uint64(disk.SectorCount()),
	}

	var (
		mgr         *persistence.Manager
		descriptors []metadata.Descriptor
		err         error
	)

	switch opts.Mode {
	case Create, ForceCreate:
		mgr, descriptors, err = persistence.Create(cacheDev, geom, opts.Mode == ForceCreate)
	default:
		mgr, descriptors, err = persistence.Load(cacheDev, format)
	}

	if err != nil {
		return nil, classifyPersistenceErr(err)
	}

	mgr.Hydrate(descriptors)

	tunables := opts.tunables()

	idx := index.New(len(descriptors), int(geom.Assoc), geom.BlockSize, tunables.ReclaimPolicy)

	for i, d := range descriptors {
		idx.Restore(i, d.DBN, d.Checksum, persistedToIndexState(d.State))
	}

	pidPolicy := control.NewPIDPolicy(tunables)

	policy := opts.Policy
	if policy == nil {
		policy = pidPolicy
	}

	eng := engine.New(idx, disk, cacheDev, mgr, format, int64(geom.BlockSize), policy)

	cl := cleaner.New(idx, disk, cacheDev, mgr, int64(geom.BlockSize), cleaner.Limits{
		PerSet: tunables.MaxCleanIOsSet,
		Total:  tunables.MaxCleanIOsTotal,
	})

	eng.OnDirty = func(setIdx, nrDirty int) {
		if nrDirty >= tunables.DirtyThreshSet(int(geom.Assoc)) {
			cl.Trigger(setIdx)
		}
	}

	name := opts.Name
	if name == "" {
		name = opts.CachePath + " on " + opts.DiskPath
	}

	instance := &control.Instance{
		Name:      name,
		Geometry:  geom,
		Idx:       idx,
		EngineCtr: &eng.Counters,
		CleanCtr:  &cl.Counters,
		PIDs:      pidPolicy,
		Histogram: &control.Histogram{},
		Cleaner:   cl,
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache{
		disk:     disk,
		cache:    cacheDev,
		idx:      idx,
		engine:   eng,
		cleaner:  cl,
		persist:  mgr,
		geom:     geom,
		tunables: tunables,
		instance: instance,
		registry: opts.Registry,
		cancel:   cancel,
	}

	go cl.Run(ctx)

	if opts.Registry != nil {
		opts.Registry.Register(instance)
	}

	return c, nil
}

func isPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func persistedToIndexState(s metadata.PersistedState) index.State {
	switch s {
	case metadata.Dirty:
		return index.Valid | index.Dirty
	case metadata.Valid:
		return index.Valid
	default:
		return index.Invalid
	}
}

func classifyPersistenceErr(err error) error {
	switch {
	case errors.Is(err, persistence.ErrExistingCache):
		return wrapErr("open", ExistingCache, err)
	case errors.Is(err, persistence.ErrConfigInvalid):
		return wrapErr("open", ConfigInvalid, err)
	case errors.Is(err, metadata.ErrMalformedMetadata):
		return wrapErr("open", MalformedMetadata, err)
	default:
		return wrapErr("open", DiskRead, err)
	}
}
