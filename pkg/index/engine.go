package index

import (
	"context"

	"github.com/warptools/warpstore/wsapi"
)

// dequeueBatch is how many queue entries are pulled per round trip.
const dequeueBatch = 256

func applyMessages(ctx context.Context, tx txn, msgs wsapi.Messages) error {
	for _, m := range msgs.PutCacheEntry {
		t, err := tx.getCacheEntry(ctx, m.ID)
		if err != nil {
			return err
		}
		touched := m.TouchedAt
		if t != nil && *t > touched {
			touched = *t
		}
		if err := tx.putCacheEntry(ctx, m.ID, touched); err != nil {
			return err
		}
	}
	for _, m := range msgs.PutObject {
		if err := putObject(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, m := range msgs.TouchObject {
		if _, err := touchObject(ctx, tx, m.ID, m.TouchedAt); err != nil {
			return err
		}
	}
	for _, m := range msgs.PutProcess {
		if err := putProcess(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, m := range msgs.TouchProcess {
		if _, err := touchProcess(ctx, tx, m.ID, m.TouchedAt); err != nil {
			return err
		}
	}
	for _, m := range msgs.PutTag {
		if _, err := wsapi.ParseTag(m.Tag); err != nil {
			return err
		}
		if err := tx.putTag(ctx, m.Tag, m.Item); err != nil {
			return err
		}
	}
	for _, m := range msgs.DeleteTag {
		if err := tx.deleteTag(ctx, m.Tag); err != nil {
			return err
		}
	}
	return nil
}

func putObject(ctx context.Context, tx txn, m wsapi.PutObject) error {
	row, err := tx.getObject(ctx, m.ID)
	if err != nil {
		return err
	}
	if row == nil {
		row = &wsapi.ObjectEntry{}
	}
	before := *row
	row.Stored.Node = row.Stored.Node || m.Stored.Node || m.Stored.Subtree
	row.Stored.Subtree = row.Stored.Subtree || m.Stored.Subtree
	row.Metadata.Size = m.Size
	if row.Metadata.Count == nil && m.Metadata.Count != nil {
		row.Metadata.Count = m.Metadata.Count
	}
	if row.Metadata.Weight == nil && m.Metadata.Weight != nil {
		row.Metadata.Weight = m.Metadata.Weight
	}
	if m.CacheEntry != nil {
		row.CacheEntry = m.CacheEntry
	}
	if m.TouchedAt > row.TouchedAt {
		row.TouchedAt = m.TouchedAt
	}
	if err := tx.putObject(ctx, m.ID, *row); err != nil {
		return err
	}
	if err := tx.addObjectChildren(ctx, m.ID, m.Children); err != nil {
		return err
	}
	if err := tx.enqueue(ctx, wsapi.ObjectItem(m.ID)); err != nil {
		return err
	}
	// Flags asserted by the producer don't go through recompute, so announce them here.
	if row.Stored.Subtree != before.Stored.Subtree || (before.Metadata.Count == nil && row.Metadata.Count != nil) {
		return enqueueObjectDependents(ctx, tx, m.ID)
	}
	return nil
}

func putProcess(ctx context.Context, tx txn, m wsapi.PutProcess) error {
	row, err := tx.getProcess(ctx, m.ID)
	if err != nil {
		return err
	}
	if row == nil {
		row = &wsapi.ProcessEntry{}
	}
	// Edges are frozen once the process is known to be finished.
	if !row.Finished {
		if err := tx.addProcessChildren(ctx, m.ID, m.Children); err != nil {
			return err
		}
		if err := tx.addProcessObjects(ctx, m.ID, m.Objects); err != nil {
			return err
		}
	}
	before := row.Stored
	row.Finished = row.Finished || m.Finished
	row.Stored = row.Stored.Merge(m.Stored)
	if row.Metadata.Count == nil && m.Metadata.Count != nil {
		row.Metadata.Count = m.Metadata.Count
	}
	if row.Metadata.Weight == nil && m.Metadata.Weight != nil {
		row.Metadata.Weight = m.Metadata.Weight
	}
	if m.TouchedAt > row.TouchedAt {
		row.TouchedAt = m.TouchedAt
	}
	if err := tx.putProcess(ctx, m.ID, *row); err != nil {
		return err
	}
	if err := tx.enqueue(ctx, wsapi.ProcessItem(m.ID)); err != nil {
		return err
	}
	if row.Stored != before {
		return enqueueProcessDependents(ctx, tx, m.ID)
	}
	return nil
}

// touchObject raises touched_at. Absent rows are left absent.
func touchObject(ctx context.Context, tx txn, id wsapi.ObjectID, touchedAt int64) (*wsapi.ObjectEntry, error) {
	row, err := tx.getObject(ctx, id)
	if err != nil || row == nil {
		return nil, err
	}
	if touchedAt > row.TouchedAt {
		row.TouchedAt = touchedAt
		if err := tx.putObject(ctx, id, *row); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func touchProcess(ctx context.Context, tx txn, id wsapi.ProcessID, touchedAt int64) (*wsapi.ProcessEntry, error) {
	row, err := tx.getProcess(ctx, id)
	if err != nil || row == nil {
		return nil, err
	}
	if touchedAt > row.TouchedAt {
		row.TouchedAt = touchedAt
		if err := tx.putProcess(ctx, id, *row); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func enqueueObjectDependents(ctx context.Context, tx txn, id wsapi.ObjectID) error {
	parents, err := tx.objectParents(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range parents {
		if err := tx.enqueue(ctx, wsapi.ObjectItem(p)); err != nil {
			return err
		}
	}
	procs, err := tx.objectProcesses(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if err := tx.enqueue(ctx, wsapi.ProcessItem(p)); err != nil {
			return err
		}
	}
	return nil
}

func enqueueProcessDependents(ctx context.Context, tx txn, id wsapi.ProcessID) error {
	parents, err := tx.processParents(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range parents {
		if err := tx.enqueue(ctx, wsapi.ProcessItem(p)); err != nil {
			return err
		}
	}
	return nil
}

// drainQueue recomputes queued items until limit have run or the queue is empty.
// Recomputing may enqueue more; those count against the same limit.
func drainQueue(ctx context.Context, tx txn, limit int) (int, error) {
	processed := 0
	for limit <= 0 || processed < limit {
		n := dequeueBatch
		if limit > 0 && limit-processed < n {
			n = limit - processed
		}
		items, err := tx.dequeue(ctx, n)
		if err != nil {
			return processed, err
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			switch {
			case it.Object != nil:
				err = recomputeObject(ctx, tx, *it.Object)
			case it.Process != nil:
				err = recomputeProcess(ctx, tx, *it.Process)
			}
			if err != nil {
				return processed, err
			}
			processed++
		}
	}
	return processed, nil
}

// recomputeObject derives completeness and metadata from the current rows.
// An object is complete when it is stored and every child is complete.
// Count and weight are set once every child has them, and never change after.
func recomputeObject(ctx context.Context, tx txn, id wsapi.ObjectID) error {
	row, err := tx.getObject(ctx, id)
	if err != nil || row == nil {
		return err
	}
	needMetadata := row.Metadata.Count == nil || row.Metadata.Weight == nil
	needComplete := !row.Stored.Subtree && row.Stored.Node
	if !needMetadata && !needComplete {
		return nil
	}
	children, err := tx.objectChildren(ctx, id)
	if err != nil {
		return err
	}
	metadataReady, allComplete := true, true
	for _, c := range children {
		crow, err := tx.getObject(ctx, c)
		if err != nil {
			return err
		}
		if crow == nil {
			metadataReady, allComplete = false, false
			break
		}
		if crow.Metadata.Count == nil || crow.Metadata.Weight == nil {
			metadataReady = false
		}
		if !crow.Stored.Subtree {
			allComplete = false
		}
	}

	changed := false
	if needMetadata && metadataReady {
		count, weight, ok, err := objectSubtreeMetadata(ctx, tx, []wsapi.ObjectID{id}, nil)
		if err != nil {
			return err
		}
		if ok {
			row.Metadata.Count, row.Metadata.Weight = &count, &weight
			changed = true
		}
	}
	if needComplete && allComplete {
		row.Stored.Subtree = true
		changed = true
	}
	if !changed {
		return nil
	}
	if err := tx.putObject(ctx, id, *row); err != nil {
		return err
	}
	return enqueueObjectDependents(ctx, tx, id)
}

// objectSubtreeMetadata counts the distinct objects reachable from roots and sums
// their sizes. ok is false if any reachable row is missing. seen may carry ids
// already counted by the caller; it is updated in place.
func objectSubtreeMetadata(ctx context.Context, tx txn, roots []wsapi.ObjectID, seen map[wsapi.ObjectID]struct{}) (count, weight uint64, ok bool, err error) {
	if seen == nil {
		seen = map[wsapi.ObjectID]struct{}{}
	}
	stack := append([]wsapi.ObjectID(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		row, err := tx.getObject(ctx, id)
		if err != nil {
			return 0, 0, false, err
		}
		if row == nil {
			return 0, 0, false, nil
		}
		count++
		weight += row.Metadata.Size
		children, err := tx.objectChildren(ctx, id)
		if err != nil {
			return 0, 0, false, err
		}
		stack = append(stack, children...)
	}
	return count, weight, true, nil
}

// recomputeProcess derives a finished process's flags from its objects and children.
// Unfinished processes are skipped; their edges may still grow.
func recomputeProcess(ctx context.Context, tx txn, id wsapi.ProcessID) error {
	row, err := tx.getProcess(ctx, id)
	if err != nil || row == nil || !row.Finished {
		return err
	}
	objects, err := tx.processObjects(ctx, id)
	if err != nil {
		return err
	}
	next := row.Stored
	roleComplete := map[wsapi.ProcessRole]bool{}
	for _, r := range wsapi.ProcessRoles {
		roleComplete[r] = true
	}
	for _, o := range objects {
		if !roleComplete[o.Role] {
			continue
		}
		orow, err := tx.getObject(ctx, o.Object)
		if err != nil {
			return err
		}
		if orow == nil || !orow.Stored.Subtree {
			roleComplete[o.Role] = false
		}
	}
	for _, r := range wsapi.ProcessRoles {
		if roleComplete[r] {
			next.SetNodeRole(r, true)
		}
	}

	children, err := tx.processChildren(ctx, id)
	if err != nil {
		return err
	}
	subtree := next.Node
	subtreeRole := map[wsapi.ProcessRole]bool{}
	for _, r := range wsapi.ProcessRoles {
		subtreeRole[r] = next.NodeRole(r)
	}
	for _, c := range children {
		crow, err := tx.getProcess(ctx, c)
		if err != nil {
			return err
		}
		if crow == nil {
			subtree = false
			for _, r := range wsapi.ProcessRoles {
				subtreeRole[r] = false
			}
			break
		}
		subtree = subtree && crow.Stored.Subtree
		for _, r := range wsapi.ProcessRoles {
			subtreeRole[r] = subtreeRole[r] && crow.Stored.SubtreeRole(r)
		}
	}
	if subtree {
		next.Subtree = true
	}
	for _, r := range wsapi.ProcessRoles {
		if subtreeRole[r] {
			next.SetSubtreeRole(r, true)
		}
	}

	changed := next != row.Stored
	row.Stored = next
	if next.Complete() && (row.Metadata.Count == nil || row.Metadata.Weight == nil) {
		count, weight, ok, err := processSubtreeMetadata(ctx, tx, id)
		if err != nil {
			return err
		}
		if ok {
			row.Metadata.Count, row.Metadata.Weight = &count, &weight
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := tx.putProcess(ctx, id, *row); err != nil {
		return err
	}
	return enqueueProcessDependents(ctx, tx, id)
}

// processSubtreeMetadata counts the distinct processes in id's subtree and sums
// the sizes of the distinct objects they reach.
func processSubtreeMetadata(ctx context.Context, tx txn, id wsapi.ProcessID) (count, weight uint64, ok bool, err error) {
	seen := map[wsapi.ProcessID]struct{}{}
	var roots []wsapi.ObjectID
	stack := []wsapi.ProcessID{id}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		row, err := tx.getProcess(ctx, p)
		if err != nil {
			return 0, 0, false, err
		}
		if row == nil {
			return 0, 0, false, nil
		}
		objects, err := tx.processObjects(ctx, p)
		if err != nil {
			return 0, 0, false, err
		}
		for _, o := range objects {
			roots = append(roots, o.Object)
		}
		children, err := tx.processChildren(ctx, p)
		if err != nil {
			return 0, 0, false, err
		}
		stack = append(stack, children...)
	}
	_, weight, ok, err = objectSubtreeMetadata(ctx, tx, roots, nil)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	return uint64(len(seen)), weight, true, nil
}

// invalidateObject clears completeness above an object that is about to disappear.
// Ancestors of an incomplete object are already incomplete, so the walk stops there.
func invalidateObject(ctx context.Context, tx txn, id wsapi.ObjectID) error {
	parents, err := tx.objectParents(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range parents {
		row, err := tx.getObject(ctx, p)
		if err != nil {
			return err
		}
		if row == nil || !row.Stored.Subtree {
			continue
		}
		row.Stored.Subtree = false
		if err := tx.putObject(ctx, p, *row); err != nil {
			return err
		}
		if err := invalidateObject(ctx, tx, p); err != nil {
			return err
		}
	}
	procs, err := tx.objectProcesses(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range procs {
		objects, err := tx.processObjects(ctx, p)
		if err != nil {
			return err
		}
		var roles []wsapi.ProcessRole
		for _, o := range objects {
			if o.Object == id {
				roles = append(roles, o.Role)
			}
		}
		if err := invalidateProcess(ctx, tx, p, false, roles, true); err != nil {
			return err
		}
	}
	return nil
}

// invalidateProcess clears flags on p and then on every ancestor process.
// node says whether the node role flags of p itself are cleared too.
func invalidateProcess(ctx context.Context, tx txn, p wsapi.ProcessID, subtree bool, roles []wsapi.ProcessRole, node bool) error {
	row, err := tx.getProcess(ctx, p)
	if err != nil || row == nil {
		return err
	}
	next := row.Stored
	if subtree {
		next.Subtree = false
	}
	for _, r := range roles {
		if node {
			next.SetNodeRole(r, false)
		}
		next.SetSubtreeRole(r, false)
	}
	if next == row.Stored {
		return nil
	}
	row.Stored = next
	if err := tx.putProcess(ctx, p, *row); err != nil {
		return err
	}
	parents, err := tx.processParents(ctx, p)
	if err != nil {
		return err
	}
	for _, q := range parents {
		if err := invalidateProcess(ctx, tx, q, subtree, roles, false); err != nil {
			return err
		}
	}
	return nil
}

// markMissing records that the store no longer holds it.
// It reports whether the index believed it was stored.
func markMissing(ctx context.Context, tx txn, it wsapi.Item) (bool, error) {
	if it.Object != nil {
		row, err := tx.getObject(ctx, *it.Object)
		if err != nil || row == nil || !row.Stored.Node {
			return false, err
		}
		if err := invalidateObject(ctx, tx, *it.Object); err != nil {
			return false, err
		}
		row.Stored = wsapi.ObjectStored{}
		return true, tx.putObject(ctx, *it.Object, *row)
	}
	row, err := tx.getProcess(ctx, *it.Process)
	if err != nil || row == nil || !row.Stored.Node {
		return false, err
	}
	row.Stored.Node = false
	if err := tx.putProcess(ctx, *it.Process, *row); err != nil {
		return false, err
	}
	return true, invalidateProcess(ctx, tx, *it.Process, true, nil, false)
}

func clean(ctx context.Context, tx txn, maxTouchedAt int64, n int) (CleanOutput, error) {
	var out CleanOutput
	full := func() bool { return n > 0 && out.Len() >= n }
	// Processes go first: removing one releases the objects it references.
	for _, kind := range []itemKind{kindProcess, kindObject, kindCacheEntry} {
		var after *candidate
		for !full() {
			page, err := tx.touchedBefore(ctx, kind, maxTouchedAt, after, dequeueBatch)
			if err != nil {
				return CleanOutput{}, err
			}
			if len(page) == 0 {
				break
			}
			for i := range page {
				after = &page[i]
				if err := ctx.Err(); err != nil {
					return CleanOutput{}, err
				}
				if err := cleanOne(ctx, tx, kind, page[i].id, &out); err != nil {
					return CleanOutput{}, err
				}
				if full() {
					break
				}
			}
		}
	}
	return out, nil
}

func cleanOne(ctx context.Context, tx txn, kind itemKind, raw string, out *CleanOutput) error {
	switch kind {
	case kindProcess:
		id, err := wsapi.ParseProcessID(raw)
		if err != nil {
			return wsapi.ErrorCorruption("process id", raw)
		}
		if tagged, err := tx.itemTagged(ctx, wsapi.ProcessItem(id)); err != nil || tagged {
			return err
		}
		if parents, err := tx.processParents(ctx, id); err != nil || len(parents) > 0 {
			return err
		}
		if err := tx.deleteProcess(ctx, id); err != nil {
			return err
		}
		out.Processes = append(out.Processes, id)
	case kindObject:
		id, err := wsapi.ParseObjectID(raw)
		if err != nil {
			return wsapi.ErrorCorruption("object id", raw)
		}
		if tagged, err := tx.itemTagged(ctx, wsapi.ObjectItem(id)); err != nil || tagged {
			return err
		}
		if parents, err := tx.objectParents(ctx, id); err != nil || len(parents) > 0 {
			return err
		}
		if procs, err := tx.objectProcesses(ctx, id); err != nil || len(procs) > 0 {
			return err
		}
		if err := tx.deleteObject(ctx, id); err != nil {
			return err
		}
		out.Objects = append(out.Objects, id)
	case kindCacheEntry:
		id, err := wsapi.ParseObjectID(raw)
		if err != nil {
			return wsapi.ErrorCorruption("cache entry id", raw)
		}
		if referenced, err := tx.cacheEntryReferenced(ctx, id); err != nil || referenced {
			return err
		}
		if err := tx.deleteCacheEntry(ctx, id); err != nil {
			return err
		}
		out.CacheEntries = append(out.CacheEntries, id)
	}
	return nil
}
