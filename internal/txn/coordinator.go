package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/smartpcr/docengine/internal/codec"
	"github.com/smartpcr/docengine/internal/util"
	"github.com/smartpcr/docengine/internal/wal"
)

// Participant is one resource manager taking part in a two-phase commit,
// across multiple collections.
type Participant interface {
	Prepare(txID string) (bool, error)
	Commit(txID string) error
	Abort(txID string) error
	Status(txID string) (string, error)
}

// decision mirrors the coordinator's durable log entries. It reuses
// internal/wal.Record rather than a bespoke log format: Record.Key carries
// the (string) transaction id, Record.Value carries an optional payload
// ("DONE" for completion markers, participant count for Begin).
type decision struct {
	lastType    wal.RecordType
	done        bool
	numParticip int
}

// Coordinator implements a two-phase commit façade: prepare/commit/
// abort fan-out across a set of Participants, backed by a durable decision
// log and periodic crash recovery.
type Coordinator struct {
	log *wal.WAL

	mu           sync.Mutex
	participants map[string][]Participant
	status       map[string]string // txID -> last-known coordinator status

	interval time.Duration
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

const (
	statusActive    = "active"
	statusPrepared  = "prepared"
	statusCommitted = "committed"
	statusAborted   = "aborted"
)

// DefaultRecoverInterval is how often the coordinator re-drives forgotten
// decisions in the background.
const DefaultRecoverInterval = 5 * time.Second

// NewCoordinator opens (or creates) the coordinator's durable decision log
// under dir and returns a ready-to-use coordinator. Call Recover once at
// startup to resolve any in-doubt transactions left by a prior crash.
func NewCoordinator(dir string, recoverInterval time.Duration) (*Coordinator, error) {
	log, err := wal.NewWAL(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordinator log: %w", err)
	}
	if recoverInterval <= 0 {
		recoverInterval = DefaultRecoverInterval
	}
	return &Coordinator{
		log:          log,
		participants: make(map[string][]Participant),
		status:       make(map[string]string),
		interval:     recoverInterval,
	}, nil
}

func (c *Coordinator) append(txID string, t wal.RecordType, value []byte) error {
	_, err := c.log.Append(&wal.Record{TxnID: 0, Type: t, Key: []byte(txID), Value: value})
	if err != nil {
		return err
	}
	return c.log.Sync()
}

// Begin persists a Begin record naming every
// participant and registers them in memory for this process's lifetime.
func (c *Coordinator) Begin(txID string, participants []Participant) error {
	c.mu.Lock()
	c.participants[txID] = participants
	c.status[txID] = statusActive
	c.mu.Unlock()

	payload, err := codec.Marshal(uint64(len(participants)))
	if err != nil {
		return err
	}
	return c.append(txID, wal.RecordTypeBegin, payload)
}

// Prepare fans out prepare to every participant and collects votes. All
// "commit" votes persist a Prepared record and return true; any dissent
// aborts every participant and persists Rollback.
func (c *Coordinator) Prepare(txID string) (bool, error) {
	c.mu.Lock()
	participants := c.participants[txID]
	c.mu.Unlock()

	allYes := true
	for _, p := range participants {
		vote, err := p.Prepare(txID)
		if err != nil || !vote {
			allYes = false
			break
		}
	}

	if allYes {
		c.mu.Lock()
		c.status[txID] = statusPrepared
		c.mu.Unlock()
		if err := c.append(txID, wal.RecordTypePrepare, nil); err != nil {
			return false, err
		}
		return true, nil
	}

	c.mu.Lock()
	c.status[txID] = statusAborted
	c.mu.Unlock()
	if err := c.append(txID, wal.RecordTypeAbort, nil); err != nil {
		return false, err
	}
	for _, p := range participants {
		_ = p.Abort(txID)
	}
	return false, fmt.Errorf("%w: participant voted to abort transaction %s", util.ErrInsufficientQuorum, txID)
}

// Commit requires the transaction to have reached Prepared, persists the
// Commit decision, fans commit out to every participant with bounded
// exponential-backoff retry, then persists a completion record.
func (c *Coordinator) Commit(txID string) error {
	c.mu.Lock()
	status := c.status[txID]
	participants := c.participants[txID]
	c.mu.Unlock()

	if status != statusPrepared {
		return fmt.Errorf("%w: commit requires Prepared state, tx %s is %s", util.ErrInvalidState, txID, status)
	}

	if err := c.append(txID, wal.RecordTypeCommit, nil); err != nil {
		return err
	}

	for _, p := range participants {
		if err := retryWithBackoff(3, func() error { return p.Commit(txID) }); err != nil {
			return fmt.Errorf("participant commit failed for tx %s: %w", txID, err)
		}
	}

	c.mu.Lock()
	c.status[txID] = statusCommitted
	c.mu.Unlock()
	return c.append(txID, wal.RecordTypeCommit, []byte("DONE"))
}

// Abort persists Rollback and fans abort out to every participant.
func (c *Coordinator) Abort(txID string) error {
	c.mu.Lock()
	participants := c.participants[txID]
	c.mu.Unlock()

	if err := c.append(txID, wal.RecordTypeAbort, nil); err != nil {
		return err
	}
	for _, p := range participants {
		_ = p.Abort(txID)
	}

	c.mu.Lock()
	c.status[txID] = statusAborted
	c.mu.Unlock()
	return c.append(txID, wal.RecordTypeAbort, []byte("DONE"))
}

// retryWithBackoff retries fn up to attempts times with exponential backoff
// (10ms, 20ms, 40ms, ...), returning the last error if every attempt fails.
func retryWithBackoff(attempts int, fn func() error) error {
	var err error
	backoff := 10 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

// Recover replays the coordinator's own decision log on startup. A
// transaction whose last record is Begin or Prepare (with no completion) is
// aborted; one whose last record is Commit with no completion marker is
// re-driven to commit; one whose last record is Rollback with no completion
// marker is re-driven to abort. Only participants registered in the current
// process (via Begin) are re-drivable — see DESIGN.md for the cross-process
// limitation this leaves open.
func (c *Coordinator) Recover() error {
	records, err := c.log.ReadAllRecords()
	if err != nil {
		return fmt.Errorf("coordinator recovery failed to read log: %w", err)
	}

	decisions := make(map[string]*decision)
	for _, rec := range records {
		txID := string(rec.Key)
		d, ok := decisions[txID]
		if !ok {
			d = &decision{}
			decisions[txID] = d
		}
		d.lastType = rec.Type
		d.done = string(rec.Value) == "DONE"
		if rec.Type == wal.RecordTypeBegin && len(rec.Value) > 0 {
			if v, err := codec.Unmarshal(rec.Value); err == nil {
				if n, ok := v.(uint64); ok {
					d.numParticip = int(n)
				}
			}
		}
	}

	for txID, d := range decisions {
		c.mu.Lock()
		participants := c.participants[txID]
		c.mu.Unlock()

		switch {
		case d.lastType == wal.RecordTypeCommit && d.done:
			continue
		case d.lastType == wal.RecordTypeAbort && d.done:
			continue
		case d.lastType == wal.RecordTypeBegin, d.lastType == wal.RecordTypePrepare:
			if len(participants) == 0 {
				if d.numParticip > 0 {
					fmt.Printf("[WARN] coordinator: in-doubt transaction %s has %d unreachable participants, cannot re-drive\n", txID, d.numParticip)
				}
				continue // not re-drivable without participant handles
			}
			_ = c.Abort(txID)
		case d.lastType == wal.RecordTypeCommit && !d.done:
			if len(participants) == 0 {
				continue
			}
			c.mu.Lock()
			c.status[txID] = statusPrepared
			c.mu.Unlock()
			_ = c.Commit(txID)
		case d.lastType == wal.RecordTypeAbort && !d.done:
			if len(participants) == 0 {
				continue
			}
			_ = c.Abort(txID)
		}
	}

	return nil
}

// Start launches the periodic background recovery driver that re-drives
// forgotten decisions.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.Recover()
		case <-c.stopChan:
			return
		}
	}
}

// Close releases the coordinator's decision log.
func (c *Coordinator) Close() error {
	c.Stop()
	return c.log.Close()
}

// TxnStatus returns the coordinator's last-known status for a transaction.
func (c *Coordinator) TxnStatus(txID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[txID]
}
