package orchestrator

import (
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

// acquireLocks attempts TryAcquireFileLock for every declared file path in
// lexicographic order (dispatch step 2), to make lock acquisition order
// deterministic across concurrent tasks and avoid deadlock. On the first
// denial it releases everything already acquired and returns the denied
// path; the caller marks the task blocked rather than retrying in place.
func (o *Orchestrator) acquireLocks(projectID string, t *store.Task, agent string) (acquired []string, blockedPath string) {
	for _, path := range t.DeclaredFiles {
		ok, err := o.bus.TryAcquireFileLock(projectID, t.ID, agent, path, o.cfg.Lock.DefaultTTL)
		if err != nil {
			o.log.Printf("acquireLocks %s: %s: %v", t.ID, path, err)
			o.releaseLocks(projectID, t, agent, acquired)
			return nil, path
		}
		if !ok {
			o.recordLockFailure(projectID, t.Stage, path, agent)
			o.releaseLocks(projectID, t, agent, acquired)
			return nil, path
		}
		acquired = append(acquired, path)
	}
	return acquired, ""
}

// releaseLocks releases every path this task holds, logging but not
// failing on an individual release error (a lock that fails to release
// here still expires on its own TTL).
func (o *Orchestrator) releaseLocks(projectID string, t *store.Task, agent string, paths []string) {
	for _, path := range paths {
		if _, err := o.bus.ReleaseFileLock(projectID, t.ID, agent, path); err != nil {
			o.log.Printf("releaseLocks %s: %s: %v", t.ID, path, err)
		}
	}
}
