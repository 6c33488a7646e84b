/*
Package cache provides the in-memory cache policies that sit between a
BufferedFile and its ByteSource, and the persistent on-disk store used by
the caching filesystem wrapper.

# Policies

Every policy implements Policy and serves Read(ctx, start, stop) with the
exact bytes of the source in that range, clamped to the source size:

	wholefile   fetch the entire source once, serve everything from memory
	mmap        sparse scratch file mapped into memory, filled block by block
	bytes       a single contiguous window that rolls with sequential reads
	readahead   LRU of fixed-size blocks with optional next-block prefetch
	firstlast   readahead plus pinned first and last blocks
	none        every read goes straight to the source

Block based policies fetch through blockfetch.Fetcher, which coalesces
adjacent missing blocks into a single ranged request and runs independent
runs concurrently.

Policies are not safe for concurrent use; a handle owns its policy.

# Persistent store

PersistentStore keeps whole-object copies on local disk keyed by source
identity and validated by version token. A JSON index survives restarts:

	<dir>/index.json        records: identity, version, path, size, access
	<dir>/<sha256>.data     local copies
	<dir>/.lock             advisory lock held while rewriting the index

Fills write to a temporary file, fsync and rename into place so a reader
never sees a partial copy. Eviction removes the least recently used copies
that no open handle references.

# Usage

	policy, err := cache.New(cache.KindReadAhead, source, size, cache.Options{
		BlockSize: 4 << 20,
		MaxBlocks: 16,
		Prefetch:  true,
	})
	if err != nil {
		return err
	}
	defer policy.Close()

	data, err := policy.Read(ctx, 0, 1024)
*/
package cache
