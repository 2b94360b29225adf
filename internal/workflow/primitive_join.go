package workflow

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flowcraft/engine/internal/location"
)

// JoinBranch is one fan-out branch passed to Join: it runs against its
// own child Ctx rooted at a dedicated child location.
type JoinBranch func(branchCtx *Ctx) (json.RawMessage, error)

// Join fans branches out onto child contexts marked parallelized, awaits
// all of them, and propagates the first error only after every branch
// has had the chance to commit its own side effects to history (spec
// §4.F.10). Each branch gets its own location so their events never
// collide.
func (c *Ctx) Join(ctx context.Context, branches ...JoinBranch) ([]json.RawMessage, error) {
	if err := c.checkStop(); err != nil {
		return nil, err
	}

	res, err := c.cursor.CompareBranch(c.Version)
	if err != nil {
		return nil, HistoryDiverged(err.Error())
	}
	joinLoc := c.cursor.CurrentLocationFor(res)
	c.cursor.Update(joinLoc)
	if res.Event == nil {
		if err := c.db.CommitBranchEvent(ctx, c.ID, joinLoc, c.Version, c.now()); err != nil {
			return nil, MaxSQLRetries(err)
		}
	}

	results := make([]json.RawMessage, len(branches))
	errs := make([]error, len(branches))

	var wg sync.WaitGroup
	for i, branch := range branches {
		wg.Add(1)
		go func(i int, branch JoinBranch) {
			defer wg.Done()
			branchCtx := c.child(joinLoc.Join(location.NewCoordinate(i)), true)
			out, err := branch(branchCtx)
			if err == nil {
				if cerr := branchCtx.cursor.CheckClear(); cerr != nil {
					err = HistoryDiverged(cerr.Error())
				}
			}
			results[i] = out
			errs[i] = err
		}(i, branch)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
