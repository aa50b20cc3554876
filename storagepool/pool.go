package storagepool

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xPOURY4/monad-sub009/metrics"
)

// Pool is a chunk-oriented block-storage abstraction over one or more
// backing devices (spec §3.1/§4.1).
type Pool struct {
	mu      sync.Mutex
	devices []*Device
	flags   CreationFlags
	logger  *zap.Logger
	metrics *metrics.Registry

	cnvChunks []*Chunk
	seqChunks []*Chunk

	active map[chunkKey]*Chunk
}

type chunkKey struct {
	kind Kind
	id   int
}

// Open opens or creates a pool over sources with the given mode and
// creation flags (spec §4.1). reg may be nil, in which case chunk
// activations go unrecorded.
func Open(sources []string, mode Mode, flags CreationFlags, logger *zap.Logger, reg *metrics.Registry) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := flags.validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("storagepool: at least one device source required")
	}

	p := &Pool{
		flags:   flags,
		logger:  logger,
		metrics: reg,
		active:  make(map[chunkKey]*Chunk),
	}

	for _, src := range sources {
		d, err := openDevice(src, flags.OpenReadOnly)
		if err != nil {
			return nil, errors.Wrapf(err, "opening device %s", src)
		}
		d.chunkCapacity = flags.chunkCapacity()
		p.devices = append(p.devices, d)
	}

	identities := make([]string, len(p.devices))
	for i, d := range p.devices {
		identities[i] = d.Identity()
	}
	wantHash := configHash(identities, flags.chunkCapacity(), flags.InterleaveChunksEvenly)

	switch mode {
	case Truncate:
		if err := p.layoutDevices(wantHash); err != nil {
			return nil, err
		}
	case CreateIfNeeded, OpenExisting:
		allFresh := true
		for _, d := range p.devices {
			if d.sizeOfFile >= metadataSize {
				if _, err := d.readMetadata(); err == nil {
					allFresh = false
				}
			}
		}
		if allFresh {
			if mode == OpenExisting {
				return nil, errors.New("storagepool: pool does not exist")
			}
			if err := p.layoutDevices(wantHash); err != nil {
				return nil, err
			}
		} else {
			if err := p.verifyAndLoad(wantHash); err != nil {
				return nil, err
			}
		}
	}

	p.assignChunks()
	logger.Info("storagepool opened",
		zap.Int("devices", len(p.devices)),
		zap.Int("cnv_chunks", len(p.cnvChunks)),
		zap.Int("seq_chunks", len(p.seqChunks)))
	return p, nil
}

// layoutDevices (re)computes each device's chunk count from its size and
// writes fresh metadata — the "emulation algorithm" of spec §4.1 step 1-2.
func (p *Pool) layoutDevices(wantHash uint32) error {
	cap := p.flags.chunkCapacity()
	for _, d := range p.devices {
		usable := d.sizeOfFile - metadataSize
		if usable < int64(cap) {
			return fmt.Errorf("storagepool: device %s too small for one chunk", d.path)
		}
		// Reserve room for N-1 seq bytes-used counters (4 bytes each) ahead
		// of the metadata tail; solve N from usable = N*cap + (N-1)*4.
		n := int((usable + 4) / (int64(cap) + 4))
		if n < 1 {
			n = 1
		}
		d.numChunks = n
		d.tailOffset = d.sizeOfFile - metadataSize - int64(n-1)*4
		if err := d.loadBytesUsedCounters(); err != nil {
			return err
		}
		for i := range d.bytesUsed {
			if err := d.storeBytesUsedCounter(i, 0); err != nil {
				return err
			}
		}
		if err := d.writeMetadata(deviceMetadata{configHash: wantHash, chunkCapacity: uint32(cap)}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) verifyAndLoad(wantHash uint32) error {
	cap := p.flags.chunkCapacity()
	for _, d := range p.devices {
		m, err := d.readMetadata()
		if err != nil {
			return errors.Wrapf(err, "reading metadata for %s", d.path)
		}
		if m.configHash != wantHash && !p.flags.DisableMismatchingStoragePoolCheck {
			return ErrConfigMismatch
		}
		if uint64(m.chunkCapacity) != cap {
			return ErrConfigMismatch
		}
		usable := d.sizeOfFile - metadataSize
		n := int((usable + 4) / (int64(cap) + 4))
		if n < 1 {
			n = 1
		}
		d.numChunks = n
		d.tailOffset = d.sizeOfFile - metadataSize - int64(n-1)*4
		if err := d.loadBytesUsedCounters(); err != nil {
			return err
		}
	}
	return nil
}

// assignChunks lays out the pool-global cnv/seq chunk tables, interleaving
// across devices when requested (spec §4.1 "Interleaving").
func (p *Pool) assignChunks() {
	cap := p.flags.chunkCapacity()

	// Every device contributes exactly one cnv chunk (its first) and
	// numChunks-1 seq chunks.
	for devIdx, d := range p.devices {
		c := &Chunk{
			pool: p, device: d, kind: KindCnv,
			id: devIdx, idWithinDevice: 0, zoneID: 0,
			offsetInDevice: 0, capacity: cap,
		}
		p.cnvChunks = append(p.cnvChunks, c)
	}

	if !p.flags.InterleaveChunksEvenly || len(p.devices) == 1 {
		id := 0
		for devIdx, d := range p.devices {
			for i := 0; i < d.NumSeqChunks(); i++ {
				c := &Chunk{
					pool: p, device: d, kind: KindSeq,
					id: id, idWithinDevice: i + 1, zoneID: i,
					offsetInDevice: int64(i+1) * int64(cap), capacity: cap,
				}
				_ = devIdx
				p.seqChunks = append(p.seqChunks, c)
				id++
			}
		}
		return
	}

	counts := make([]int, len(p.devices))
	for i, d := range p.devices {
		counts[i] = d.NumSeqChunks()
	}
	assignment := interleavedAssignment(counts)
	nextZone := make([]int, len(p.devices))
	for id, devIdx := range assignment {
		zone := nextZone[devIdx]
		nextZone[devIdx]++
		d := p.devices[devIdx]
		c := &Chunk{
			pool: p, device: d, kind: KindSeq,
			id: id, idWithinDevice: zone + 1, zoneID: zone,
			offsetInDevice: int64(zone+1) * int64(cap), capacity: cap,
		}
		p.seqChunks = append(p.seqChunks, c)
	}
}

func (p *Pool) Devices() []*Device { return p.devices }

func (p *Pool) Chunks(kind Kind) int {
	if kind == KindCnv {
		return len(p.cnvChunks)
	}
	return len(p.seqChunks)
}

func (p *Pool) chunkTable(kind Kind) []*Chunk {
	if kind == KindCnv {
		return p.cnvChunks
	}
	return p.seqChunks
}

// Chunk returns the already-activated handle for (kind, id), or nil.
func (p *Pool) Chunk(kind Kind, id int) *Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.active[chunkKey{kind, id}]; ok {
		c.retain()
		return c
	}
	return nil
}

// ActivateChunk opens (or returns the existing) handle for (kind, id),
// retaining a reference the caller must Release.
func (p *Pool) ActivateChunk(kind Kind, id int) (*Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := chunkKey{kind, id}
	if c, ok := p.active[key]; ok {
		c.retain()
		return c, nil
	}

	table := p.chunkTable(kind)
	if id < 0 || id >= len(table) {
		return nil, ErrNoSuchChunk
	}
	c := table[id]
	c.refcount = 1
	p.active[key] = c
	p.metrics.ChunkActivated(kind.String())
	return c, nil
}

func (p *Pool) deactivate(c *Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, chunkKey{c.kind, c.id})
}

// Close releases all devices. Callers holding Chunk handles must
// Release them first.
func (p *Pool) Close() error {
	var firstErr error
	for _, d := range p.devices {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
