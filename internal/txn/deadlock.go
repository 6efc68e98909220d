package txn

import (
	"sort"
	"sync"
	"time"
)

// DeadlockDetector maintains a wait-for graph with synchronous
// on-edge detection and a periodic sweep, both resolving to the youngest
// transaction in any discovered cycle as the victim.
type DeadlockDetector struct {
	mu        sync.Mutex
	waitFor   map[uint64]map[uint64]bool // tx -> set of txs it waits for
	startTime map[uint64]time.Time
	victims   map[uint64]bool

	onDeadlock func(cycle []uint64, victim uint64)

	interval time.Duration
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// DefaultDetectionInterval is the configuration default (deadlock_detection_interval=100ms).
const DefaultDetectionInterval = 100 * time.Millisecond

func NewDeadlockDetector(interval time.Duration) *DeadlockDetector {
	if interval <= 0 {
		interval = DefaultDetectionInterval
	}
	return &DeadlockDetector{
		waitFor:   make(map[uint64]map[uint64]bool),
		startTime: make(map[uint64]time.Time),
		victims:   make(map[uint64]bool),
		interval:  interval,
	}
}

// OnDeadlock registers the event sink invoked with the detected cycle and
// chosen victim. The database flips the victim's state to Aborted here.
func (d *DeadlockDetector) OnDeadlock(fn func(cycle []uint64, victim uint64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDeadlock = fn
}

// RegisterTx remembers a transaction's start time for victim selection.
func (d *DeadlockDetector) RegisterTx(tx uint64, start time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startTime[tx] = start
}

// RemoveTx drops every edge touching tx (as waiter or as a target) and its
// start time, called once a transaction releases all its locks.
func (d *DeadlockDetector) RemoveTx(tx uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waitFor, tx)
	delete(d.startTime, tx)
	delete(d.victims, tx)
	for _, set := range d.waitFor {
		delete(set, tx)
	}
}

// IsVictim reports whether tx has been selected as a deadlock victim.
func (d *DeadlockDetector) IsVictim(tx uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.victims[tx]
}

// AddWait records that tx is waiting on every id in targets, then runs a
// synchronous cycle check seeded from tx so a deadlock is caught within the
// same call that created it, not just on the next periodic sweep.
func (d *DeadlockDetector) AddWait(tx uint64, targets []uint64) {
	d.mu.Lock()
	set, ok := d.waitFor[tx]
	if !ok {
		set = make(map[uint64]bool)
		d.waitFor[tx] = set
	}
	for _, t := range targets {
		if t != tx {
			set[t] = true
		}
	}
	if _, ok := d.startTime[tx]; !ok {
		d.startTime[tx] = time.Now()
	}
	graph := d.snapshotLocked()
	d.mu.Unlock()

	d.checkAndResolve(graph)
}

// RemoveAllWaits clears every outgoing edge for tx — called once it acquires
// its lock, times out, or is cancelled.
func (d *DeadlockDetector) RemoveAllWaits(tx uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waitFor, tx)
}

func (d *DeadlockDetector) snapshotLocked() map[uint64][]uint64 {
	graph := make(map[uint64][]uint64, len(d.waitFor))
	for tx, set := range d.waitFor {
		targets := make([]uint64, 0, len(set))
		for t := range set {
			targets = append(targets, t)
		}
		graph[tx] = targets
	}
	return graph
}

func (d *DeadlockDetector) snapshot() map[uint64][]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// findCycles runs a DFS from every node, keeping a per-branch path stack,
// and collects every simple cycle encountered (not just the first),
// deduplicated by their rotation-normalized sequence of node ids.
func findCycles(graph map[uint64][]uint64) [][]uint64 {
	seen := make(map[string]bool)
	var cycles [][]uint64

	var path []uint64
	onPath := make(map[uint64]int) // node -> index in path

	var dfs func(node uint64)
	dfs = func(node uint64) {
		path = append(path, node)
		onPath[node] = len(path) - 1

		for _, next := range graph[node] {
			if idx, inPath := onPath[next]; inPath {
				cycle := append([]uint64(nil), path[idx:]...)
				key := canonicalCycleKey(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			dfs(next)
		}

		path = path[:len(path)-1]
		delete(onPath, node)
	}

	nodes := make([]uint64, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	for _, n := range nodes {
		dfs(n)
	}
	return cycles
}

// canonicalCycleKey rotates a cycle so its smallest element comes first,
// giving equal cycles (found from different starting nodes) the same key.
func canonicalCycleKey(cycle []uint64) string {
	minIdx := 0
	for i, v := range cycle {
		if v < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]uint64(nil), cycle[minIdx:]...), cycle[:minIdx]...)
	key := ""
	for _, v := range rotated {
		key += "," + itoa(v)
	}
	return key
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// checkAndResolve finds every cycle in graph and, for each, selects the
// youngest transaction (latest start time) as victim and notifies the sink.
func (d *DeadlockDetector) checkAndResolve(graph map[uint64][]uint64) {
	cycles := findCycles(graph)
	if len(cycles) == 0 {
		return
	}

	for _, cycle := range cycles {
		d.mu.Lock()
		var victim uint64
		var victimStart time.Time
		first := true
		for _, tx := range cycle {
			st := d.startTime[tx]
			if first || st.After(victimStart) {
				victim = tx
				victimStart = st
				first = false
			}
		}
		alreadyVictim := d.victims[victim]
		if !alreadyVictim {
			d.victims[victim] = true
		}
		sink := d.onDeadlock
		d.mu.Unlock()

		if !alreadyVictim && sink != nil {
			sink(cycle, victim)
		}
	}
}

// Start launches the periodic detection goroutine. The snapshot is taken
// under the mutex; cycle detection itself runs outside it so a slow DFS
// never blocks lock acquisition elsewhere.
func (d *DeadlockDetector) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
}

func (d *DeadlockDetector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *DeadlockDetector) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.checkAndResolve(d.snapshot())
		case <-d.stopChan:
			return
		}
	}
}
