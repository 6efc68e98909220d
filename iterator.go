package docengine

import (
	"fmt"
	"sort"

	"github.com/smartpcr/docengine/internal/query"
	"github.com/smartpcr/docengine/internal/transaction"
	"github.com/smartpcr/docengine/storage"
)

// Iterator defines the interface for iterating over document results.
// It follows the standard Cursor pattern: Next() advances, Value() retrieves.
type Iterator interface {
	Next() bool                       // Advances to the next document. Returns false if exhausted.
	Value() (storage.Document, error) // Returns the current document.
	Close() error                     // Releases resources (e.g., unpins pages).
}

// TableScanIterator iterates over all documents in a collection.
// It essentially performs a full scan of the Primary Index (_id).
type TableScanIterator struct {
	collection   *Collection
	txn          *transaction.Transaction
	docIDs       []string // Snapshot of IDs to iterate
	currentIndex int
}

func NewTableScanIterator(c *Collection, txn *transaction.Transaction) (*TableScanIterator, error) {
	// Snapshot every key in the primary index; documents are fetched
	// lazily through FindByID so MVCC visibility still applies per-row.
	startKey := []byte{0x00}
	endKey := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

	c.mu.RLock()
	entries, err := c.primaryIndex.RangeScan(startKey, endKey)
	c.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		// Primary index keys are "<collection>/<id>"; strip the prefix and
		// re-resolve through FindByID so MVCC visibility is re-checked per row
		// rather than trusting the raw page value.
		fullKey := string(entry.Key)
		prefixLen := len(c.name) + 1
		if len(fullKey) > prefixLen {
			ids = append(ids, fullKey[prefixLen:])
		}
	}

	return &TableScanIterator{
		collection:   c,
		txn:          txn,
		docIDs:       ids,
		currentIndex: -1,
	}, nil
}

func (it *TableScanIterator) Next() bool {
	it.currentIndex++
	return it.currentIndex < len(it.docIDs)
}

func (it *TableScanIterator) Value() (storage.Document, error) {
	if it.currentIndex < 0 || it.currentIndex >= len(it.docIDs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	// Fetch document using standard FindByID to ensure MVCC visibility rules
	return it.collection.FindByID(nil, it.txn, it.docIDs[it.currentIndex])
}

func (it *TableScanIterator) Close() error {
	return nil
}

// IndexScanIterator leverages a secondary in-memory index to find documents.
// It iterates over the index to find Document IDs, then fetches the full document
// from the Primary Index.
type IndexScanIterator struct {
	collection   *Collection
	txn          *transaction.Transaction
	docIDs       []string
	currentIndex int
}

func NewIndexScanIterator(c *Collection, txn *transaction.Transaction, field string, startKey, endKey string) (*IndexScanIterator, error) {
	// Hold the collection RLock across the lookup so a concurrent DropIndex
	// can't free the index out from under Range; the index itself is only
	// ever mutated under the same lock.
	c.mu.RLock()
	idx, ok := c.secondary[field]
	if !ok {
		c.mu.RUnlock()
		return nil, fmt.Errorf("index not found for field: %s", field)
	}

	entries, err := idx.Range(startKey, endKey)
	c.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		// Secondary index entries are keyed "<fieldVal>\x00<docID>" with the
		// document ID itself stored as the value (see EnsureIndex's Put).
		ids = append(ids, entry.Value)
	}

	return &IndexScanIterator{
		collection:   c,
		txn:          txn,
		docIDs:       ids,
		currentIndex: -1,
	}, nil
}

func (it *IndexScanIterator) Next() bool {
	it.currentIndex++
	return it.currentIndex < len(it.docIDs)
}

func (it *IndexScanIterator) Value() (storage.Document, error) {
	if it.currentIndex < 0 || it.currentIndex >= len(it.docIDs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	// Retrieve Doc by ID (Visibility check via FindByID)
	return it.collection.FindByID(nil, it.txn, it.docIDs[it.currentIndex])
}

func (it *IndexScanIterator) Close() error {
	return nil
}

// FilterIterator filters documents based on AST
type FilterIterator struct {
	source  Iterator
	matcher query.Matcher
	current storage.Document
}

func NewFilterIterator(source Iterator, matcher query.Matcher) *FilterIterator {
	return &FilterIterator{
		source:  source,
		matcher: matcher,
	}
}

func (it *FilterIterator) Next() bool {
	for it.source.Next() {
		doc, err := it.source.Value()
		if err != nil {
			// Skip deleted/invisible docs (standard FindByID behavior might return err not found)
			continue
		}

		if it.matcher.Matches(doc) {
			it.current = doc
			return true
		}
	}
	return false
}

func (it *FilterIterator) Value() (storage.Document, error) {
	return it.current, nil
}

func (it *FilterIterator) Close() error {
	return it.source.Close()
}

// LimitIterator limits the number of results
type LimitIterator struct {
	source Iterator
	limit  int
	count  int
}

func NewLimitIterator(source Iterator, limit int) *LimitIterator {
	return &LimitIterator{
		source: source,
		limit:  limit,
	}
}

func (it *LimitIterator) Next() bool {
	if it.count >= it.limit {
		return false
	}
	if it.source.Next() {
		it.count++
		return true
	}
	return false
}

func (it *LimitIterator) Value() (storage.Document, error) {
	return it.source.Value()
}

func (it *LimitIterator) Close() error {
	return it.source.Close()
}

// SkipIterator skips the first N results
type SkipIterator struct {
	source  Iterator
	skip    int
	skipped bool
}

func NewSkipIterator(source Iterator, skip int) *SkipIterator {
	return &SkipIterator{
		source: source,
		skip:   skip,
	}
}

func (it *SkipIterator) Next() bool {
	if !it.skipped {
		// Skip first N items
		for i := 0; i < it.skip; i++ {
			if !it.source.Next() {
				return false // Source exhausted before skip finished
			}
		}
		it.skipped = true
	}
	return it.source.Next()
}

func (it *SkipIterator) Value() (storage.Document, error) {
	return it.source.Value()
}

func (it *SkipIterator) Close() error {
	return it.source.Close()
}

// SortIterator buffers all results, sorts them, and iterates
type SortIterator struct {
	source    Iterator
	sortField string
	desc      bool
	docs      []storage.Document
	index     int
	prepared  bool
}

func NewSortIterator(source Iterator, field string, desc bool) *SortIterator {
	return &SortIterator{
		source:    source,
		sortField: field,
		desc:      desc,
		index:     -1,
	}
}

func (it *SortIterator) Next() bool {
	if !it.prepared {
		// Buffer all docs
		for it.source.Next() {
			doc, err := it.source.Value()
			if err == nil {
				it.docs = append(it.docs, doc)
			}
		}
		it.source.Close() // Close source as we consumed it all

		// Sort docs
		// We use standard sort.Slice
		if it.sortField != "" {
			sort.Slice(it.docs, func(i, j int) bool {
				valA := it.docs[i][it.sortField]
				valB := it.docs[j][it.sortField]
				// Use query.CompareValues
				result := query.CompareValues(valA, valB)
				if it.desc {
					return result > 0 // Descending
				}
				return result < 0 // Ascending
			})
		}
		it.prepared = true
	}

	it.index++
	return it.index < len(it.docs)
}

func (it *SortIterator) Value() (storage.Document, error) {
	if it.index < 0 || it.index >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.index], nil
}

func (it *SortIterator) Close() error {
	it.docs = nil // Release memory
	return nil
}
