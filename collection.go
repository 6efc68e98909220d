package docengine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/smartpcr/docengine/internal/index"
	"github.com/smartpcr/docengine/internal/query"
	"github.com/smartpcr/docengine/internal/transaction"
	"github.com/smartpcr/docengine/rules"
	"github.com/smartpcr/docengine/storage"
	"github.com/xeipuuv/gojsonschema"
)

// defaultSecondaryIndexKind is used by EnsureIndex when the caller doesn't
// pick a shape explicitly.
const defaultSecondaryIndexKind = "btree"

// defaultBTreeDegree bounds the fan-out of a freshly created secondary
// B-tree index.
const defaultBTreeDegree = 64

// stringCmp orders the composite "<value>\x00<docID>" keys used by every
// secondary index lexically, which is what RangeScan-style prefix queries
// depend on.
func stringCmp(a, b string) int { return strings.Compare(a, b) }

// newSecondaryIndex constructs the in-memory index shape named by kind.
// A non-positive degree falls back to the default fan-out.
func newSecondaryIndex(kind string, degree int) (index.Index[string, string], error) {
	if degree <= 0 {
		degree = defaultBTreeDegree
	}
	switch kind {
	case "", "btree":
		bt, err := index.NewBTree[string, string](degree, stringCmp)
		if err != nil {
			return nil, err
		}
		return bt, nil
	case "skiplist":
		return index.NewSkipList[string, string](stringCmp), nil
	case "hash":
		return index.NewHashIndex[string, string](stringCmp), nil
	default:
		return nil, fmt.Errorf("unknown index kind: %s", kind)
	}
}

// Collection represents a logical grouping of documents (similar to a table in SQL).
// It manages the primary storage (Transaction Write Set / WAL), the durable
// page-backed primary index, and the in-memory secondary indexes used to
// accelerate field lookups.
type Collection struct {
	name string
	db   *Database

	// primaryIndex is the durable _id index: a page-backed B+Tree that
	// survives restarts via the buffer pool/pager and is restored from its
	// root page ID in the system catalog.
	primaryIndex *storage.BPlusTree

	// secondary holds one in-memory Index per indexed field, keyed by
	// composite "<fieldValue>\x00<docID>" strings. These indexes have no
	// page root of their own; only their shape (btree/skiplist/hash) is
	// persisted, and their contents are rebuilt by backfill on open.
	secondary     map[string]index.Index[string, string]
	secondaryKind map[string]string

	linkedGroupIndexes []*GroupIndexLink // List of Group Indexes this collection feeds into
	mu                 sync.RWMutex      // Protects concurrent access to index maps
	schemaLoader       *gojsonschema.Schema
}

// GroupIndexLink holds reference to a group index
type GroupIndexLink struct {
	Index *storage.BPlusTree
	Field string
}

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

// docKey builds the "<collection-name>/<document-id>" key under which a
// document is known to the transaction manager, the version chains, and
// the WAL. Document IDs never contain "/", so the last separator always
// splits collection from ID even for nested collection names.
func (c *Collection) docKey(id string) string {
	return c.name + "/" + id
}

// GetSchema returns the current JSON schema definition
func (c *Collection) GetSchema() (string, error) {
	meta, ok := c.db.metadataMgr.GetCollection(c.name)
	if !ok {
		return "", fmt.Errorf("collection metadata not found")
	}
	return meta.Schema, nil
}

// SetSchema updates the collection's schema.
// It compiles the schema and persists it to the metadata.
func (c *Collection) SetSchema(schemaStr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if schemaStr == "" {
		c.schemaLoader = nil
		return c.updateMetadataSchema("")
	}

	loader := gojsonschema.NewStringLoader(schemaStr)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid json schema: %w", err)
	}

	c.schemaLoader = schema
	return c.updateMetadataSchema(schemaStr)
}

func (c *Collection) updateMetadataSchema(schemaStr string) error {
	return c.db.metadataMgr.UpdateCollectionSchema(c.name, schemaStr)
}

// SetRules updates the collection's security rules.
func (c *Collection) SetRules(rules map[string]string) error {
	return c.db.metadataMgr.UpdateCollectionRules(c.name, rules)
}

// GetRules returns the collection's security rules
func (c *Collection) GetRules() map[string]string {
	meta, ok := c.db.metadataMgr.GetCollection(c.name)
	if !ok {
		return nil
	}
	return meta.Rules
}

// evaluateRule checks if the operation is allowed by the defined rules.
func (c *Collection) evaluateRule(op string, auth *rules.AuthContext, resource map[string]interface{}) error {
	// Admin Bypass: If auth is marked as Admin, skip rules.
	if auth != nil && auth.IsAdmin {
		return nil
	}

	meta, ok := c.db.metadataMgr.GetCollection(c.name)
	if !ok {
		return nil
	}

	// No rules configured: default allow.
	if len(meta.Rules) == 0 {
		return nil
	}

	rule, ok := meta.Rules[op]
	if !ok {
		if op == "create" || op == "update" || op == "delete" {
			rule, ok = meta.Rules["write"]
		}
	}

	if !ok {
		return nil
	}

	// Prepare Context
	reqData := make(map[string]interface{})
	if auth != nil {
		reqData["auth"] = map[string]interface{}{
			"uid":    auth.UID,
			"claims": auth.Claims,
		}
	} else {
		reqData["auth"] = nil // Unauthenticated
	}

	ctx := map[string]interface{}{
		"request":  reqData,
		"resource": map[string]interface{}{"data": resource},
	}

	allowed, err := c.db.RulesEngine.Evaluate(rule, ctx)
	if err != nil {
		return fmt.Errorf("rule evaluation error: %w", err)
	}
	if !allowed {
		return fmt.Errorf("permission denied: rule '%s' failed", op)
	}

	return nil
}

// validate checks doc against the collection's schema. Callers hold c.mu
// (Insert/Update) while calling this, so schemaLoader access needs no lock
// of its own.
func (c *Collection) validate(doc storage.Document) error {
	if c.schemaLoader == nil {
		return nil
	}

	docLoader := gojsonschema.NewGoLoader(doc)

	result, err := c.schemaLoader.Validate(docLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("document invalid against schema: %s", fmt.Sprintf("%v", errs))
	}

	return nil
}

// Insert inserts a new document into the collection.
//
// The operation follows these steps:
// 1. Storage: Writes the document data to the transaction's Write Set (and eventually WAL).
// 2. Indexing: Inserts an entry into the Primary Index (_id).
// 3. Secondary Indexes: Updates all secondary indexes with composite keys.
//
// This operation is atomic within the context of the transaction.
func (c *Collection) Insert(auth *rules.AuthContext, txn *transaction.Transaction, doc storage.Document) error {
	// 1. Enforce Rules (Pre-creation check)
	if err := c.evaluateRule("create", auth, doc); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Validate Schema
	if err := c.validate(doc); err != nil {
		return err
	}

	// Get or generate document ID
	id, hasID := doc.GetID()
	if !hasID || id == "" {
		// Auto-generate ID if not provided
		id = storage.DocumentID(generateID())
		doc.SetID(id)
	}

	// Serialize document
	data, err := doc.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	// Write to transaction's write set
	key := c.docKey(string(id))
	if err := c.db.txnMgr.Write(txn, key, data); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}

	// Insert into the durable primary index (will be committed on transaction commit)
	if err := c.primaryIndex.Insert([]byte(key), data); err != nil {
		return fmt.Errorf("failed to insert into primary index: %w", err)
	}

	// Insert into secondary indexes
	for field, idx := range c.secondary {
		if val, ok := doc[field]; ok {
			// Composite key: value + \0 + docID
			valStr := fmt.Sprintf("%v", val)
			compKey := valStr + "\x00" + string(id)
			idx.Put(compKey, string(id))
		}
	}

	// Update Group Indexes
	for _, link := range c.linkedGroupIndexes {
		if val, ok := doc[link.Field]; ok {
			valStr := fmt.Sprintf("%v", val)
			// Composite Key: Value \0 Collection \0 ID
			compKey := []byte(valStr + "\x00" + c.name + "\x00" + string(id))
			// Value: Collection \0 ID
			compVal := []byte(c.name + "\x00" + string(id))

			if err := link.Index.Insert(compKey, compVal); err != nil {
				return fmt.Errorf("failed to insert into group index for field %s: %w", link.Field, err)
			}
		}
	}

	return nil
}

// FindByID retrieves a document by its unique ID.
// It leverages MVCC to ensure that the returned document version is visible
// to the current transaction's snapshot.
func (c *Collection) FindByID(auth *rules.AuthContext, txn *transaction.Transaction, id string) (storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, err := c.findByIDLocked(txn, id)
	if err != nil {
		return nil, err
	}

	// Enforce Rules (Read)
	if err := c.evaluateRule("read", auth, doc); err != nil {
		return nil, err
	}

	return doc, nil
}

// findByIDLocked finds a document by ID without locking (callers must hold lock)
func (c *Collection) findByIDLocked(txn *transaction.Transaction, id string) (storage.Document, error) {
	key := c.docKey(id)

	// Try reading from transaction's write set first
	data, err := c.db.txnMgr.Read(txn, key)
	if err == nil && data != nil {
		// Found in write set
		doc, err := storage.DeserializeDocument(data)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize document: %w", err)
		}
		return doc, nil
	}

	// Search in primary index
	data, err = c.primaryIndex.Search([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("document not found: %s", id)
	}

	// Deserialize
	doc, err := storage.DeserializeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}

	return doc, nil
}

// Update modifies an existing document.
//
// This method handles full Index Maintenance:
// 1. Fetches the old document to identify changed fields.
// 2. Writes the new document version to the transaction log.
// 3. Updates the Primary Index.
// 4. Updates all affected Secondary Indexes (deleting old keys, inserting new ones).
func (c *Collection) Update(auth *rules.AuthContext, txn *transaction.Transaction, id string, doc storage.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 1. Fetch old document for Rule Check
	oldDoc, err := c.findByIDLocked(txn, id)
	if err != nil {
		return fmt.Errorf("document not found for update: %w", err)
	}

	// 2. Enforce Rules (Update)
	// Manual rule check to include both old and new data context
	if auth == nil || !auth.IsAdmin {
		meta, ok := c.db.metadataMgr.GetCollection(c.name)
		if ok && len(meta.Rules) > 0 {
			rule, hasRule := meta.Rules["update"]
			if !hasRule {
				rule, hasRule = meta.Rules["write"]
			}
			if hasRule {
				reqData := map[string]interface{}{
					"auth":     nil,
					"resource": map[string]interface{}{"data": doc},
				}
				if auth != nil {
					reqData["auth"] = map[string]interface{}{"uid": auth.UID, "claims": auth.Claims}
				}

				ctx := map[string]interface{}{
					"request":  reqData,
					"resource": map[string]interface{}{"data": oldDoc},
				}
				allowed, err := c.db.RulesEngine.Evaluate(rule, ctx)
				if err != nil {
					return err
				}
				if !allowed {
					return fmt.Errorf("permission denied: rule 'update' failed")
				}
			}
		}
	}

	// Validate Schema
	if err := c.validate(doc); err != nil {
		return err
	}

	return c.updateLocked(txn, id, doc)
}

// Patch applies a partial update to a document.
// It fetches the current document, merges the patch (supporting dot notation),
// and performs a full update.
func (c *Collection) Patch(auth *rules.AuthContext, txn *transaction.Transaction, id string, patch map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 1. Fetch current document
	currentDoc, err := c.findByIDLocked(txn, id)
	if err != nil {
		return err // Not found
	}

	// 2. Clone to avoid mutation
	newDoc := currentDoc.Clone()

	// 3. Apply Patch
	if err := newDoc.ApplyPatch(patch); err != nil {
		return fmt.Errorf("failed to apply patch: %w", err)
	}
	newDoc.SetID(storage.DocumentID(id))

	// 4. Enforce Rules (Update)
	// Manual rule check to include both old and new data context
	if auth == nil || !auth.IsAdmin {
		meta, ok := c.db.metadataMgr.GetCollection(c.name)
		if ok && len(meta.Rules) > 0 {
			rule, hasRule := meta.Rules["update"]
			if !hasRule {
				rule, hasRule = meta.Rules["write"]
			}
			if hasRule {
				reqData := map[string]interface{}{
					"auth":     nil,
					"resource": map[string]interface{}{"data": newDoc},
				}
				if auth != nil {
					reqData["auth"] = map[string]interface{}{"uid": auth.UID, "claims": auth.Claims}
				}

				ctx := map[string]interface{}{
					"request":  reqData,
					"resource": map[string]interface{}{"data": currentDoc},
				}
				allowed, err := c.db.RulesEngine.Evaluate(rule, ctx)
				if err != nil {
					return err
				}
				if !allowed {
					return fmt.Errorf("permission denied: rule 'update' failed")
				}
			}
		}
	}

	// Validate Schema
	if err := c.validate(newDoc); err != nil {
		return err
	}

	return c.updateLocked(txn, id, newDoc)
}

// updateLocked is the internal implementation of Update (caller must hold Lock)
func (c *Collection) updateLocked(txn *transaction.Transaction, id string, doc storage.Document) error {
	key := c.docKey(id)

	// Ensure ID matches
	doc.SetID(storage.DocumentID(id))

	// Serialize
	data, err := doc.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	// 1. Fetch old document state for index maintenance
	oldDoc, _ := c.findByIDLocked(txn, id)

	// 2. Write new document data
	if err := c.db.txnMgr.Write(txn, key, data); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}

	// 3. Update Primary Index
	if err := c.primaryIndex.Insert([]byte(key), data); err != nil {
		return fmt.Errorf("failed to update index: %w", err)
	}

	// 4. Maintenance of Secondary Indexes
	for field, idx := range c.secondary {
		var oldVal interface{}
		var newVal interface{}
		hasOld := false
		hasNew := false

		if oldDoc != nil {
			oldVal, hasOld = oldDoc[field]
		}
		newVal, hasNew = doc[field]

		if hasOld {
			valChanged := !hasNew || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal)
			if valChanged {
				valStr := fmt.Sprintf("%v", oldVal)
				oldCompKey := valStr + "\x00" + string(id)
				idx.Delete(oldCompKey)
			}
		}

		shouldInsert := hasNew
		if hasOld && hasNew && fmt.Sprintf("%v", oldVal) == fmt.Sprintf("%v", newVal) {
			shouldInsert = false
		}

		if shouldInsert {
			valStr := fmt.Sprintf("%v", newVal)
			compKey := valStr + "\x00" + string(id)
			idx.Put(compKey, string(id))
		}
	}

	// 5. Maintenance of Group Indexes
	for _, link := range c.linkedGroupIndexes {
		var oldVal interface{}
		var newVal interface{}
		hasOld := false
		hasNew := false

		if oldDoc != nil {
			oldVal, hasOld = oldDoc[link.Field]
		}
		newVal, hasNew = doc[link.Field]

		if hasOld {
			valChanged := !hasNew || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal)
			if valChanged {
				valStr := fmt.Sprintf("%v", oldVal)
				// Key: Value \0 Collection \0 ID
				oldCompKey := []byte(valStr + "\x00" + c.name + "\x00" + string(id))
				_ = link.Index.Delete(oldCompKey)
			}
		}

		shouldInsert := hasNew
		if hasOld && hasNew && fmt.Sprintf("%v", oldVal) == fmt.Sprintf("%v", newVal) {
			shouldInsert = false
		}

		if shouldInsert {
			valStr := fmt.Sprintf("%v", newVal)
			compKey := []byte(valStr + "\x00" + c.name + "\x00" + string(id))
			compVal := []byte(c.name + "\x00" + string(id))
			if err := link.Index.Insert(compKey, compVal); err != nil {
				return fmt.Errorf("failed to update group index %s: %w", link.Field, err)
			}
		}
	}

	return nil
}

// InsertBatch inserts multiple documents into the collection
func (c *Collection) InsertBatch(txn *transaction.Transaction, docs []storage.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, doc := range docs {
		// Validate Schema
		if err := c.validate(doc); err != nil {
			return err
		}

		// Get or generate document ID
		id, hasID := doc.GetID()
		if !hasID || id == "" {
			// Auto-generate ID if not provided
			id = storage.DocumentID(generateID())
			doc.SetID(id)
		}

		// Serialize document
		data, err := doc.Serialize()
		if err != nil {
			return fmt.Errorf("failed to serialize document: %w", err)
		}

		// Write to transaction's write set
		key := c.docKey(string(id))
		if err := c.db.txnMgr.Write(txn, key, data); err != nil {
			return fmt.Errorf("failed to write document: %w", err)
		}

		// Insert into primary index
		if err := c.primaryIndex.Insert([]byte(key), data); err != nil {
			return fmt.Errorf("failed to insert into primary index: %w", err)
		}

		// Insert into secondary indexes
		for field, idx := range c.secondary {
			if val, ok := doc[field]; ok {
				valStr := fmt.Sprintf("%v", val)
				compKey := valStr + "\x00" + string(id)
				idx.Put(compKey, string(id))
			}
		}
	}

	return nil
}

// UpdateBatch updates multiple documents in the collection
func (c *Collection) UpdateBatch(txn *transaction.Transaction, docs []storage.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, doc := range docs {
		// Validate Schema
		if err := c.validate(doc); err != nil {
			return err
		}

		id, hasID := doc.GetID()
		if !hasID || id == "" {
			return fmt.Errorf("document must have an ID for update")
		}

		key := c.docKey(string(id))

		// Serialize
		data, err := doc.Serialize()
		if err != nil {
			return fmt.Errorf("failed to serialize document: %w", err)
		}

		// Write to transaction
		if err := c.db.txnMgr.Write(txn, key, data); err != nil {
			return fmt.Errorf("failed to write document: %w", err)
		}

		// Update primary index
		if err := c.primaryIndex.Insert([]byte(key), data); err != nil {
			return fmt.Errorf("failed to update index: %w", err)
		}

		// Update secondary indexes
		for field, idx := range c.secondary {
			if val, ok := doc[field]; ok {
				valStr := fmt.Sprintf("%v", val)
				compKey := valStr + "\x00" + string(id)
				idx.Put(compKey, string(id))
			}
		}
	}

	return nil
}

// Delete deletes a document
func (c *Collection) Delete(auth *rules.AuthContext, txn *transaction.Transaction, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.docKey(id)

	// 1. Fetch document to clean up secondary indexes (and Rule Check)
	doc, err := c.findByIDLocked(txn, id)
	if err == nil {
		// Enforce Rules (Delete)
		if err := c.evaluateRule("delete", auth, doc); err != nil {
			return err
		}

		for field, idx := range c.secondary {
			if val, ok := doc[field]; ok {
				valStr := fmt.Sprintf("%v", val)
				compKey := valStr + "\x00" + string(id)
				idx.Delete(compKey)
			}
		}

		// Clean up group indexes
		for _, link := range c.linkedGroupIndexes {
			if val, ok := doc[link.Field]; ok {
				valStr := fmt.Sprintf("%v", val)
				// Key: Value \0 Collection \0 ID
				compKey := []byte(valStr + "\x00" + c.name + "\x00" + string(id))
				_ = link.Index.Delete(compKey)
			}
		}
	}

	// 2. Write tombstone (Primary Store Deletion)
	if err := c.db.txnMgr.Write(txn, key, []byte{}); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	// The version chain retains the tombstone for MVCC visibility; the
	// primary index entry itself is removed to keep the tree compact.
	_ = c.primaryIndex.Delete([]byte(key))

	return nil
}

// Clear removes every document from the collection. Each removal is staged
// through the transaction like a regular delete, so rolling the transaction
// back leaves the collection's committed contents untouched.
func (c *Collection) Clear(auth *rules.AuthContext, txn *transaction.Transaction) error {
	// Gated on the collection-level "delete" rule, like List is on "list":
	// there is no per-document resource to evaluate a rule against.
	if auth == nil || !auth.IsAdmin {
		if err := c.evaluateRule("delete", auth, nil); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	startKey := []byte{0x00}
	endKey := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	entries, err := c.primaryIndex.RangeScan(startKey, endKey)
	if err != nil {
		return fmt.Errorf("failed to scan collection: %w", err)
	}

	for _, entry := range entries {
		key := string(entry.Key)

		// Write tombstone
		if err := c.db.txnMgr.Write(txn, key, []byte{}); err != nil {
			return fmt.Errorf("failed to clear document %s: %w", key, err)
		}
		_ = c.primaryIndex.Delete(entry.Key)

		// Group index entries are shared with sibling collections, so they
		// are removed per document rather than rebuilt.
		if len(c.linkedGroupIndexes) > 0 {
			if doc, err := storage.DeserializeDocument(entry.Value); err == nil {
				id, _ := doc.GetID()
				for _, link := range c.linkedGroupIndexes {
					if val, ok := doc[link.Field]; ok {
						valStr := fmt.Sprintf("%v", val)
						compKey := []byte(valStr + "\x00" + c.name + "\x00" + string(id))
						_ = link.Index.Delete(compKey)
					}
				}
			}
		}
	}

	// Secondary indexes cover only this collection; reset them wholesale.
	for field, kind := range c.secondaryKind {
		idx, err := newSecondaryIndex(kind, c.db.btreeDegree)
		if err != nil {
			return err
		}
		c.secondary[field] = idx
	}

	return nil
}

// DeleteBatch deletes multiple documents by ID
func (c *Collection) DeleteBatch(txn *transaction.Transaction, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		key := c.docKey(id)

		// Write tombstone
		if err := c.db.txnMgr.Write(txn, key, []byte{}); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
	}

	return nil
}

// List returns a list of documents with pagination
func (c *Collection) List(auth *rules.AuthContext, txn *transaction.Transaction, skip, limit int) ([]storage.Document, error) {
	// Listing is gated on a collection-level "list" rule rather than
	// per-document rules, since there is no single resource to evaluate against.
	if auth == nil || !auth.IsAdmin {
		if err := c.evaluateRule("list", auth, nil); err != nil {
			return nil, err
		}
	}

	iter, err := NewTableScanIterator(c, txn)
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var currentIter Iterator = iter

	if skip > 0 {
		currentIter = NewSkipIterator(currentIter, skip)
	}

	if limit > 0 {
		currentIter = NewLimitIterator(currentIter, limit)
	}

	var results []storage.Document
	for currentIter.Next() {
		doc, err := currentIter.Value()
		if err == nil {
			results = append(results, doc)
		}
	}

	return results, nil
}

// Count returns the number of documents currently visible in the primary
// index.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	startKey := []byte{0x00}
	endKey := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	entries, err := c.primaryIndex.RangeScan(startKey, endKey)
	if err != nil {
		return 0
	}
	return len(entries)
}

// EnsureIndex creates a secondary index for the given field, using the
// default shape (btree), if it doesn't already exist.
func (c *Collection) EnsureIndex(field string) error {
	return c.EnsureIndexKind(field, defaultSecondaryIndexKind)
}

// EnsureIndexKind creates a secondary index for the given field backed by
// the named in-memory shape (btree, skiplist, or hash) if it doesn't
// already exist.
//
// Mechanism:
//  1. Checks if the index exists.
//  2. Constructs the requested Index shape.
//  3. Performs a Backfill operation by scanning the Primary Index and populating the new index
//     with existing documents.
//  4. Persists the index's shape (not its contents) to the system catalog.
func (c *Collection) EnsureIndexKind(field, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if field == "_id" {
		return nil // Always exists
	}

	if _, exists := c.secondary[field]; exists {
		return nil // Already exists
	}

	fmt.Printf("[INFO] Auto-creating %s index for field '%s'...\n", kind, field)

	idx, err := newSecondaryIndex(kind, c.db.btreeDegree)
	if err != nil {
		return err
	}

	// Backfill by scanning the full primary index range.
	startKey := []byte{0x00}
	endKey := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	scanResults, err := c.primaryIndex.RangeScan(startKey, endKey)
	if err != nil {
		return fmt.Errorf("failed to scan primary index: %w", err)
	}

	for _, entry := range scanResults {
		doc, err := storage.DeserializeDocument(entry.Value)
		if err != nil {
			continue // Skip corrupted docs
		}

		id, _ := doc.GetID()
		if val, ok := doc[field]; ok {
			valStr := fmt.Sprintf("%v", val)
			compKey := valStr + "\x00" + string(id)
			idx.Put(compKey, string(id))
		}
	}

	c.secondary[field] = idx
	c.secondaryKind[field] = kind

	if err := c.db.metadataMgr.UpdateCollectionIndexKind(c.name, field, kind); err != nil {
		return fmt.Errorf("failed to persist index metadata: %w", err)
	}

	return nil
}

// DropIndex removes a secondary index for the given field.
// It removes the index from the in-memory map and updates the system catalog.
func (c *Collection) DropIndex(field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if field == "_id" {
		return fmt.Errorf("cannot drop primary index")
	}

	if _, exists := c.secondary[field]; !exists {
		return fmt.Errorf("index not found for field: %s", field)
	}

	delete(c.secondary, field)
	delete(c.secondaryKind, field)

	if err := c.db.metadataMgr.RemoveCollectionIndexKind(c.name, field); err != nil {
		return fmt.Errorf("failed to persist index metadata deletion: %w", err)
	}

	fmt.Printf("[INFO] Dropped index for field '%s'\n", field)
	return nil
}

// Find searches for documents matching the given field and value
func (c *Collection) Find(txn *transaction.Transaction, field string, value interface{}) ([]storage.Document, error) {
	// Optimization: If field is _id, use FindByID
	if field == "_id" {
		idStr := fmt.Sprintf("%v", value)
		doc, err := c.FindByID(nil, txn, idStr)
		if err != nil {
			return nil, err
		}
		return []storage.Document{doc}, nil
	}

	// 1. Lazy Index Creation
	// We need to check existence with Read Lock first, then Upgrade to Write Lock if needed.
	c.mu.RLock()
	_, exists := c.secondary[field]
	c.mu.RUnlock()

	if !exists {
		// Upgrade to write lock happens inside EnsureIndex
		if err := c.EnsureIndex(field); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	idx := c.secondary[field]
	c.mu.RUnlock()

	// 2. Range Scan on Index
	valStr := fmt.Sprintf("%v", value)
	startKey := valStr + "\x00"
	endKey := valStr + "\x00" + "\xFF"

	entries, err := idx.Range(startKey, endKey)
	if err != nil {
		return nil, fmt.Errorf("index scan failed: %w", err)
	}

	var docs []storage.Document
	for _, entry := range entries {
		// Value in secondary index is the DocID (primary key)
		docID := entry.Value

		// FindByID re-applies MVCC visibility; a miss here just means the
		// document isn't visible to this transaction (deleted, or the
		// secondary index entry hasn't been cleaned up yet) and is skipped.
		doc, err := c.FindByID(nil, txn, docID)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// ListIndexes returns a list of secondary indexes on the collection
func (c *Collection) ListIndexes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var indexes []string
	for field := range c.secondary {
		indexes = append(indexes, field)
	}
	return indexes
}

// undoIndexWrite rolls the collection's indexes back for one key of an
// aborting transaction: the primary-index entry is restored to the newest
// committed value (or removed if the key never committed), and the
// secondary and group indexes are adjusted to match.
func (c *Collection) undoIndexWrite(key string, staged *transaction.WriteOp, committed []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, id, ok := splitDocKey(key)
	if !ok {
		return
	}

	// Drop the index entries the staged write created.
	if len(staged.New) > 0 {
		if doc, err := storage.DeserializeDocument(staged.New); err == nil {
			c.removeIndexEntriesLocked(id, doc)
		}
	}

	if len(committed) > 0 {
		if err := c.primaryIndex.Insert([]byte(key), committed); err == nil {
			if doc, err := storage.DeserializeDocument(committed); err == nil {
				c.addIndexEntriesLocked(id, doc)
			}
		}
	} else {
		_ = c.primaryIndex.Delete([]byte(key))
	}
}

// addIndexEntriesLocked inserts doc's secondary and group index entries.
// Caller must hold c.mu.
func (c *Collection) addIndexEntriesLocked(id string, doc storage.Document) {
	for field, idx := range c.secondary {
		if val, ok := doc[field]; ok {
			valStr := fmt.Sprintf("%v", val)
			idx.Put(valStr+"\x00"+id, id)
		}
	}
	for _, link := range c.linkedGroupIndexes {
		if val, ok := doc[link.Field]; ok {
			valStr := fmt.Sprintf("%v", val)
			compKey := []byte(valStr + "\x00" + c.name + "\x00" + id)
			_ = link.Index.Insert(compKey, []byte(c.name+"\x00"+id))
		}
	}
}

// removeIndexEntriesLocked removes doc's secondary and group index entries.
// Caller must hold c.mu.
func (c *Collection) removeIndexEntriesLocked(id string, doc storage.Document) {
	for field, idx := range c.secondary {
		if val, ok := doc[field]; ok {
			valStr := fmt.Sprintf("%v", val)
			idx.Delete(valStr + "\x00" + id)
		}
	}
	for _, link := range c.linkedGroupIndexes {
		if val, ok := doc[link.Field]; ok {
			valStr := fmt.Sprintf("%v", val)
			compKey := []byte(valStr + "\x00" + c.name + "\x00" + id)
			_ = link.Index.Delete(compKey)
		}
	}
}

// rebuildSecondaryIndexes discards every in-memory secondary index and
// repopulates it from the durable primary index. Used after recovery has
// rewritten primary-index entries underneath them.
func (c *Collection) rebuildSecondaryIndexes() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primaryIndex == nil || len(c.secondary) == 0 {
		return nil
	}

	for field, kind := range c.secondaryKind {
		idx, err := newSecondaryIndex(kind, c.db.btreeDegree)
		if err != nil {
			return err
		}
		c.secondary[field] = idx
	}

	startKey := []byte{0x00}
	endKey := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	entries, err := c.primaryIndex.RangeScan(startKey, endKey)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		doc, err := storage.DeserializeDocument(entry.Value)
		if err != nil {
			continue
		}
		id, _ := doc.GetID()
		for field, idx := range c.secondary {
			if val, ok := doc[field]; ok {
				valStr := fmt.Sprintf("%v", val)
				idx.Put(valStr+"\x00"+string(id), string(id))
			}
		}
	}
	return nil
}

// FindQuery executes a complex query against the collection
func (c *Collection) FindQuery(auth *rules.AuthContext, txn *transaction.Transaction, queryMap map[string]interface{}, opts ...QueryOptions) ([]storage.Document, error) {
	// Gated on the same collection-level "list" rule as List.
	if auth == nil || !auth.IsAdmin {
		if err := c.evaluateRule("list", auth, nil); err != nil {
			return nil, err
		}
	}

	skip := 0
	limit := 0
	sortField := ""
	sortDesc := false
	if len(opts) > 0 {
		skip = opts[0].Skip
		limit = opts[0].Limit
		sortField = opts[0].SortField
		sortDesc = opts[0].SortDesc
	}

	// 1. Parse Query (cached: the same query shape is commonly re-issued by
	// callers like polling dashboards or repeated API calls).
	node, err := c.db.parseQueryCached(queryMap)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	matcher, ok := node.(query.Matcher)
	if !ok {
		return nil, fmt.Errorf("parsed node does not implement Matcher")
	}

	// 2. Plan Query execution strategy
	var iter Iterator
	usedIndex := false

	// Attempt to find an index usage strategy
	if fNode, ok := node.(*query.FieldNode); ok {
		c.mu.RLock()
		_, hasIndex := c.secondary[fNode.Field]
		c.mu.RUnlock()

		if hasIndex {
			valStr := fmt.Sprintf("%v", fNode.Value)
			var startKey, endKey string
			hasRange := true

			switch fNode.Operator {
			case query.OpEq:
				startKey = valStr + "\x00"
				endKey = valStr + "\x00" + "\xFF"
			case query.OpGt:
				startKey = valStr + "\x00" + "\xFF"
				endKey = "\xFF\xFF\xFF\xFF"
			case query.OpGte:
				startKey = valStr + "\x00"
				endKey = "\xFF\xFF\xFF\xFF"
			case query.OpLt:
				startKey = "\x00"
				endKey = valStr + "\x00"
			case query.OpLte:
				startKey = "\x00"
				endKey = valStr + "\x00" + "\xFF"
			default:
				hasRange = false
			}

			if hasRange {
				idxIter, err := NewIndexScanIterator(c, txn, fNode.Field, startKey, endKey)
				if err == nil {
					iter = idxIter
					usedIndex = true
				}
			}
		}
	}

	// Fallback to Table Scan
	if !usedIndex {
		tsIter, err := NewTableScanIterator(c, txn)
		if err != nil {
			return nil, fmt.Errorf("failed to create iterator: %w", err)
		}
		iter = tsIter
	}
	defer iter.Close()

	// 3. Apply Filters
	// FilterIterator wraps any iterator and applies filter
	iter = NewFilterIterator(iter, matcher)

	// 4. Apply Sort
	if sortField != "" {
		// Note: SortIterator reads all documents into memory.
		// Future optimization: Use Index order if applicable.
		iter = NewSortIterator(iter, sortField, sortDesc)
	}

	// 5. Apply Skip & Limit
	if skip > 0 {
		iter = NewSkipIterator(iter, skip)
	}
	if limit > 0 {
		iter = NewLimitIterator(iter, limit)
	}

	// 6. Execute
	var results []storage.Document
	for iter.Next() {
		doc, err := iter.Value()
		if err == nil {
			results = append(results, doc)
		}
	}

	return results, nil
}

// generateID generates a unique document ID.
func generateID() string {
	return uuid.NewString()
}
