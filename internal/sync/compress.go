package sync

import (
	"github.com/replicasync/replica/internal/model"
)

// Change is one folded upload unit: the net effect of every pending entry
// of a record, plus the ids of the entries it replaces.
type Change struct {
	Entry     model.ChangeLogEntry
	SourceIDs []int64
}

// Compressed is the result of Compress.
type Compressed struct {
	Changes []Change

	// Dropped lists entries whose net effect is nothing, such as an INSERT
	// later deleted before it was ever uploaded. They are settled without
	// contacting the server.
	Dropped []int64
}

// EntryIDs returns every source id across Changes.
func (c Compressed) EntryIDs() []int64 {
	var ids []int64
	for _, ch := range c.Changes {
		ids = append(ids, ch.SourceIDs...)
	}
	return ids
}

// Entries returns the folded entries in output order.
func (c Compressed) Entries() []model.ChangeLogEntry {
	out := make([]model.ChangeLogEntry, len(c.Changes))
	for i, ch := range c.Changes {
		out[i] = ch.Entry
	}
	return out
}

// Compress folds entries per record. Entries must be in creation order.
//
//	INSERT + UPDATE  -> INSERT with the latest data
//	INSERT + DELETE  -> nothing
//	UPDATE + UPDATE  -> the last UPDATE
//	any    + DELETE  -> DELETE
//	DELETE + INSERT  -> UPDATE
//
// Output keeps the position of each record's first surviving entry.
// Compressing an already compressed set returns the same entries.
func Compress(entries []model.ChangeLogEntry) Compressed {
	var (
		out     []*Change
		current = make(map[string]*Change)
		dropped []int64
	)

	for _, e := range entries {
		key := e.TableName + "\x00" + e.RecordUUID
		prev, ok := current[key]
		if !ok {
			ch := &Change{Entry: e, SourceIDs: []int64{e.ID}}
			current[key] = ch
			out = append(out, ch)
			continue
		}

		op, keep := fold(prev.Entry.Operation, e.Operation)
		if !keep {
			dropped = append(dropped, prev.SourceIDs...)
			dropped = append(dropped, e.ID)
			prev.SourceIDs = nil
			delete(current, key)
			continue
		}

		before := prev.Entry.BeforeData
		prev.Entry = e
		prev.Entry.Operation = op
		prev.Entry.BeforeData = before
		prev.SourceIDs = append(prev.SourceIDs, e.ID)
	}

	res := Compressed{Dropped: dropped}
	for _, ch := range out {
		if ch.SourceIDs == nil {
			continue
		}
		res.Changes = append(res.Changes, *ch)
	}
	return res
}

// fold combines two consecutive operations on one record. keep is false
// when the pair cancels out.
func fold(prev, next model.Operation) (op model.Operation, keep bool) {
	switch prev {
	case model.OpInsert:
		switch next {
		case model.OpDelete:
			return "", false
		default:
			return model.OpInsert, true
		}
	case model.OpDelete:
		switch next {
		case model.OpDelete:
			return model.OpDelete, true
		default:
			return model.OpUpdate, true
		}
	default:
		if next == model.OpDelete {
			return model.OpDelete, true
		}
		return model.OpUpdate, true
	}
}
