// Package lane provides per-channel admission control: at most one pipeline
// run may hold a channel's slot at any instant, with strict FIFO queueing
// behind it. A job parked on approval keeps its channel slot (a second run
// for the same channel would corrupt shared per-channel assets) but holds no
// worker; only a terminal state releases the slot.
package lane

import "sync"

// Lanes tracks the running slot and FIFO queue for every channel. It is the
// single writer for per-channel run state; callers never mutate it directly.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*laneState
}

type laneState struct {
	running string
	queue   []string
}

// New creates an empty Lanes.
func New() *Lanes {
	return &Lanes{lanes: make(map[string]*laneState)}
}

// Admit requests the channel slot for a job. It returns (true, 0) if the job
// may start immediately, or (false, p) with the job's 1-based queue position.
func (l *Lanes) Admit(channel, jobID string) (started bool, position int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.lanes[channel]
	if !ok {
		st = &laneState{}
		l.lanes[channel] = st
	}
	if st.running == "" {
		st.running = jobID
		return true, 0
	}
	st.queue = append(st.queue, jobID)
	return false, len(st.queue)
}

// Release frees the channel slot held by jobID and promotes the next queued
// job, returning its id and true. It is a no-op returning ("", false) when
// jobID does not hold the slot, so duplicate releases are harmless.
func (l *Lanes) Release(channel, jobID string) (next string, promoted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.lanes[channel]
	if !ok || st.running != jobID {
		return "", false
	}
	if len(st.queue) == 0 {
		st.running = ""
		return "", false
	}
	st.running = st.queue[0]
	st.queue = st.queue[1:]
	return st.running, true
}

// Active returns the job currently holding the channel slot, if any.
func (l *Lanes) Active(channel string) (jobID string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, found := l.lanes[channel]
	if !found || st.running == "" {
		return "", false
	}
	return st.running, true
}

// QueueLen returns how many jobs are waiting behind the channel's slot.
func (l *Lanes) QueueLen(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.lanes[channel]
	if !ok {
		return 0
	}
	return len(st.queue)
}
