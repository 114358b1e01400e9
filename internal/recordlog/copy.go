package recordlog

// CopyTo streams the frames for keys (sorted, strictly increasing) from l
// into target, writing each payload through target.Add without
// re-compressing it. This is what GC uses to carry forward only the live
// frames when rewriting a log: the compressed bytes already on disk are
// reused verbatim, so compaction never pays to re-deflate a payload it has
// already stored once.
//
// If skipDataCheck is false, CopyTo decompresses each frame as it copies it
// (discarding the result) to verify the stored bytes are still valid before
// trusting them into the new file. skipDataCheck true skips that check,
// trading a cheaper copy for losing the chance to catch corruption that
// predates the copy.
func (l *Log) CopyTo(target *Log, keys []uint64, skipDataCheck bool) error {
	if len(keys) == 0 {
		return nil
	}

	it, err := l.GetMultiple(keys, false)
	if err != nil {
		return err
	}

	for it.Next() {
		frame := it.cur

		if !skipDataCheck {
			if _, err := l.codec.Decompress(frame.Compressed); err != nil {
				return err
			}
		}

		if err := target.Add(frame.Key, frame.Compressed, true); err != nil {
			return err
		}
	}

	return it.Err()
}
