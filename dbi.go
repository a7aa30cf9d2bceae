package duneshelf

// DBI is a database handle (index into environment's database array).
type DBI uint32

// Drop deletes all data in a database, or deletes the database entirely.
// If del is true, the database is deleted; otherwise it is emptied.
func (txn *Txn) Drop(dbi DBI, del bool) error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}

	if txn.IsReadOnly() {
		return NewError(ErrPermissionDenied)
	}

	if dbi < CoreDBs {
		return NewError(ErrInvalid) // Can't drop core DBs
	}

	if int(dbi) >= len(txn.trees) {
		return NewError(ErrBadDBI)
	}

	if root := txn.trees[dbi].Root; root != invalidPgno {
		if err := txn.freeTreePages(root); err != nil {
			return err
		}
	}

	txn.trees[dbi].reset()

	// Mark the tree as dirty so it gets persisted
	if txn.dbiDirty == nil {
		txn.dbiDirty = make([]bool, len(txn.trees))
	}
	if int(dbi) < len(txn.dbiDirty) {
		txn.dbiDirty[dbi] = true
	}

	if del {
		// Remove from environment's DBI list
		txn.env.dbisMu.Lock()
		txn.env.dbis[dbi] = nil
		txn.env.dbisMu.Unlock()
	}

	return nil
}

// DBIFlags returns the flags for a database.
func (txn *Txn) DBIFlags(dbi DBI) (uint, error) {
	if !txn.valid() {
		return 0, NewError(ErrBadTxn)
	}

	if int(dbi) >= len(txn.trees) {
		return 0, NewError(ErrBadDBI)
	}

	return uint(txn.trees[dbi].Flags), nil
}

// Sequence gets or updates the sequence number for a database.
// If increment > 0, adds to the sequence and returns the value it had before the increment.
// If increment == 0, returns the current value without changing it.
func (txn *Txn) Sequence(dbi DBI, increment uint64) (uint64, error) {
	if !txn.valid() {
		return 0, NewError(ErrBadTxn)
	}

	if int(dbi) >= len(txn.trees) {
		return 0, NewError(ErrBadDBI)
	}

	if increment > 0 && txn.IsReadOnly() {
		return 0, NewError(ErrPermissionDenied)
	}

	t := &txn.trees[dbi]
	result := t.Sequence

	if increment > 0 {
		t.Sequence += increment
	}

	return result, nil
}

// SetCompare sets a custom key comparison function for a database.
// Must be called before any data operations on the database.
func (e *Env) SetCompare(dbi DBI, cmp func(a, b []byte) int) error {
	if !e.valid() {
		return NewError(ErrInvalid)
	}

	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()

	if int(dbi) >= len(e.dbis) {
		return NewError(ErrBadDBI)
	}

	if e.dbis[dbi] == nil {
		e.dbis[dbi] = &dbiInfo{}
	}
	e.dbis[dbi].cmp = cmp

	return nil
}

// SetDupCompare sets a custom data comparison function for DUPSORT databases.
// Must be called before any data operations on the database.
func (e *Env) SetDupCompare(dbi DBI, cmp func(a, b []byte) int) error {
	if !e.valid() {
		return NewError(ErrInvalid)
	}

	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()

	if int(dbi) >= len(e.dbis) {
		return NewError(ErrBadDBI)
	}

	if e.dbis[dbi] == nil {
		e.dbis[dbi] = &dbiInfo{}
	}
	e.dbis[dbi].dcmp = cmp

	return nil
}

// DBIStat is an alias for the Stat method for compatibility.
func (txn *Txn) DBIStat(dbi DBI) (*Stat, error) {
	return txn.Stat(dbi)
}

// freeTreePages walks every page reachable from root, releasing each one
// (branch, leaf, overflow chains off big-value nodes, and nested DUPSORT
// sub-trees) back to this transaction's free or loose list. Used by Drop,
// which otherwise only reset the in-memory tree struct and leaked every
// page the dropped database ever allocated.
func (txn *Txn) freeTreePages(root pgno) error {
	if root == invalidPgno {
		return nil
	}

	stack := []pgno{root}
	for len(stack) > 0 {
		pg := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		p, err := txn.getPage(pg)
		if err != nil {
			return err
		}

		if p.isBranch() {
			n := p.numEntries()
			for i := 0; i < n; i++ {
				nd := nodeFromPage(p, i)
				if nd != nil {
					stack = append(stack, nd.childPgno())
				}
			}
			txn.releaseTreePage(pg)
			continue
		}

		if p.isLeaf() {
			n := p.numEntries()
			for i := 0; i < n; i++ {
				nd := nodeFromPage(p, i)
				if nd == nil {
					continue
				}
				switch {
				case nd.isTree():
					sub := parseTreeFromBytes(nd.nodeData())
					if sub != nil {
						if err := txn.freeTreePages(sub.Root); err != nil {
							return err
						}
					}
				case nd.isBig():
					ov := nd.overflowPgno()
					ovCount := overflowPageCount(nd.dataSize(), txn.env.pageSize)
					for j := uint32(0); j < ovCount; j++ {
						txn.releaseTreePage(ov + pgno(j))
					}
				}
			}
		}

		txn.releaseTreePage(pg)
	}
	return nil
}

// releaseTreePage frees a single page encountered while dropping a tree,
// routing it onto the loose list if this same transaction is the one that
// last dirtied it (so no reader outside this transaction could have seen
// it yet) and onto the free-list table otherwise. Mirrors
// Cursor.freePageNo, which can't be reused directly here since dropping a
// database has no live cursor of its own.
func (txn *Txn) releaseTreePage(pg pgno) {
	if txn.dirtyTracker.get(pg) != nil {
		txn.loosePages = append(txn.loosePages, pg)
	} else {
		txn.freePages = append(txn.freePages, pg)
	}
	if txn.env.metrics != nil {
		txn.env.metrics.pagesReclaimed.Inc()
	}
}

// overflowPageCount returns the number of consecutive overflow pages a
// big-value node of dataSize bytes occupies, matching allocateOverflow's
// and freeOverflow's sizing: the first page holds pageSize-pageHeaderSize
// bytes, every subsequent page holds a full pageSize.
func overflowPageCount(dataSize uint32, pageSize uint32) uint32 {
	firstPageData := int(pageSize) - pageHeaderSize
	remaining := int(dataSize) - firstPageData
	numPages := uint32(1)
	if remaining > 0 {
		numPages += uint32((remaining + int(pageSize) - 1) / int(pageSize))
	}
	return numPages
}
