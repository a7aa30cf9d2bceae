// Package duneshelf is a from-scratch, single-writer/multi-reader persistent
// key-value store modeled after LMDB-style engines: a bitmap page allocator
// over a file-backed mapping, a double-buffered root pointer with a
// background fsync worker, copy-on-write B+-tree nodes, and an MVCC
// transactional engine with free-list recycling bounded by the oldest live
// reader.
//
// Key features:
//   - B+ tree data structure for efficient key-value storage
//   - MVCC (Multi-Version Concurrency Control) for concurrent reads
//   - Single writer, multiple readers concurrency model
//   - Memory-mapped I/O for high performance
//   - ACID transactions with crash recovery
//   - Nested transaction infrastructure (parent page delegation)
//
// Basic usage:
//
//	env, err := duneshelf.NewEnv(duneshelf.Default)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	err = env.Open("/path/to/db", duneshelf.NoSubdir, 0644)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Begin a write transaction
//	txn, err := env.BeginTxn(nil, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Open the default database
//	dbi, err := txn.OpenDBISimple("", duneshelf.Create)
//	if err != nil {
//	    txn.Abort()
//	    log.Fatal(err)
//	}
//
//	// Put a key-value pair
//	err = txn.Put(dbi, []byte("key"), []byte("value"), 0)
//	if err != nil {
//	    txn.Abort()
//	    log.Fatal(err)
//	}
//
//	_, err = txn.Commit()
//	if err != nil {
//	    log.Fatal(err)
//	}
package duneshelf
