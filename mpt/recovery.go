package mpt

// RecoveryOptions mirrors the open-time flags of spec §4.5.
type RecoveryOptions struct {
	Truncate   bool
	AllowDirty bool
}

// Recover implements the DB Metadata open sequence of spec §4.5:
//  1. verify magic (done by the caller via UnmarshalDBMetadata) and config
//     hash (checked by storagepool.Open for an existing pool);
//  2. if is_dirty and not truncating and not allow_dirty: fail;
//  3. otherwise treat [start_of_wip_offset_*, end-of-chunk) as discardable
//     and truncate sequential write counters accordingly;
//  4. expose root_offset as the current committed root.
func Recover(meta *DBMetadata, opts RecoveryOptions, truncateSeqCounter func(wip ChunkOffset) error) error {
	if meta.IsDirty() && !opts.Truncate && !opts.AllowDirty {
		return ErrTornMetadata
	}

	if meta.IsDirty() {
		if err := truncateSeqCounter(meta.Offsets.StartOfWIPOffsetFast); err != nil {
			return err
		}
		if err := truncateSeqCounter(meta.Offsets.StartOfWIPOffsetSlow); err != nil {
			return err
		}
		meta.setDirty(false)
	}
	return nil
}

// CurrentRoot exposes root_offset as the current committed root (spec §4.5
// step 4).
func (m *DBMetadata) CurrentRoot() ChunkOffset { return m.Offsets.RootOffset }
