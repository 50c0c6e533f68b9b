package generation

import (
	"errors"
	"os"
	"sort"
	"strconv"

	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/idgen"
)

// Prune deletes all but the newest keep published generations. The current
// generation is never deleted. Each index is removed before its log, so a
// generation drops out of listings before its log goes. It takes the
// writer lock and returns the removed ids, oldest first.
func (w *Writer) Prune(keep int) ([]string, error) {
	if keep < 1 {
		return nil, defect.Invalid("keep", strconv.Itoa(keep), "must be >= 1")
	}
	unlock, err := w.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := ReadMeta(w.layout)
	if err != nil {
		return nil, err
	}
	ids, err := w.layout.complete()
	if err != nil {
		return nil, &defect.PersistenceError{Step: "prune", Err: err}
	}

	var published []string
	for id := range ids {
		if _, _, err := idgen.ParseGeneration(id); err == nil && idgen.CompareGenerations(id, cur.Generation) <= 0 {
			published = append(published, id)
		}
	}
	sort.Slice(published, func(i, j int) bool { return idgen.CompareGenerations(published[i], published[j]) > 0 })
	if len(published) <= keep {
		return nil, nil
	}

	var removed []string
	for i := len(published) - 1; i >= keep; i-- {
		id := published[i]
		if id == cur.Generation {
			continue
		}
		for _, p := range []string{w.layout.IndexPath(id), w.layout.LogPath(id)} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, &defect.PersistenceError{Step: "prune", Err: err}
			}
		}
		removed = append(removed, id)
		w.logger.Info("generation: pruned", "generation", id)
	}
	if len(removed) > 0 {
		if err := syncDir(w.layout.History()); err != nil {
			return removed, &defect.PersistenceError{Step: "prune", Err: err}
		}
	}
	return removed, nil
}
