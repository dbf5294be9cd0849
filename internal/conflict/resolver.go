// Package conflict decides what happens when a local row with unsynced
// changes meets the server's copy of the same uuid.
//
// Resolution is ordered: strictly higher version wins, then newer
// updated_at, then a field-level merge driven by the table's rules. A field
// that differs and has no rule makes the pair an explicit conflict; it is
// never silently dropped.
package conflict

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/model"
)

// MergeFunc computes the merged value of a field whose rule strategy is
// "merge". It must be deterministic.
type MergeFunc func(local, server any) any

// KeepLocal is the default merge behavior: the local value survives.
func KeepLocal(local, _ any) any { return local }

// Resolver resolves local/server pairs. The zero value is not usable; call
// NewResolver.
type Resolver struct {
	mu     sync.RWMutex
	merges map[string]MergeFunc
}

// NewResolver returns a Resolver with no merge overrides registered.
func NewResolver() *Resolver {
	return &Resolver{merges: make(map[string]MergeFunc)}
}

// RegisterMerge installs fn for table.field. An empty table applies fn to
// the field in every table that does not have its own override.
func (r *Resolver) RegisterMerge(table, field string, fn MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[mergeKey(table, field)] = fn
}

func mergeKey(table, field string) string {
	return table + "." + field
}

func (r *Resolver) mergeFunc(table, field string) MergeFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.merges[mergeKey(table, field)]; ok {
		return fn
	}
	if fn, ok := r.merges[mergeKey("", field)]; ok {
		return fn
	}
	return KeepLocal
}

// Resolve returns exactly one MergeResult for the pair. Both records are
// expected in normalized form (catalog.Table.Normalize) so values compare
// by equality.
func (r *Resolver) Resolve(t *catalog.Table, local, server model.Record) model.MergeResult {
	if local == nil {
		return model.MergeResult{Action: model.ActionApplyServer, Record: server.Clone()}
	}
	if server == nil {
		return model.MergeResult{Action: model.ActionKeepLocal, Record: local.Clone()}
	}

	lv, sv := local.Version(), server.Version()
	switch {
	case sv > lv:
		return applyServer(server)
	case lv > sv:
		return model.MergeResult{Action: model.ActionKeepLocal, Record: local.Clone()}
	}

	if server.UpdatedAt().After(local.UpdatedAt()) {
		return applyServer(server)
	}

	return r.mergeFields(t, local, server)
}

// applyServer stamps the server copy one past the server version so the
// next upload is not treated as stale.
func applyServer(server model.Record) model.MergeResult {
	return model.MergeResult{
		Action: model.ActionApplyServer,
		Record: server.WithVersion(server.Version() + 1),
	}
}

// mergeFields runs once versions tie and the server copy is not newer, so
// the local updated_at is already the maximum of the two.
func (r *Resolver) mergeFields(t *catalog.Table, local, server model.Record) model.MergeResult {
	differing := make(map[string]bool)
	for _, f := range t.DomainFields() {
		if !reflect.DeepEqual(local[f], server[f]) {
			differing[f] = true
		}
	}
	if len(differing) == 0 {
		return model.MergeResult{Action: model.ActionKeepLocal, Record: local.Clone()}
	}

	var unruled []string
	for f := range differing {
		if _, ok := t.Rule(f); !ok {
			unruled = append(unruled, f)
		}
	}
	if len(unruled) > 0 {
		sort.Strings(unruled)
		return model.MergeResult{
			Action:         model.ActionConflict,
			Record:         local.Clone(),
			ConflictReason: fmt.Sprintf("no resolution rule for differing fields: %s", strings.Join(unruled, ", ")),
		}
	}

	merged := local.Clone()
	changed := false
	for _, rule := range t.Rules {
		if !differing[rule.Field] {
			continue
		}
		var v any
		switch rule.Strategy {
		case model.StrategyServerWins, model.StrategyLatestWins:
			v = server[rule.Field]
		case model.StrategyClientWins:
			v = local[rule.Field]
		case model.StrategyMerge:
			v = r.mergeFunc(t.Name, rule.Field)(local[rule.Field], server[rule.Field])
		}
		if !reflect.DeepEqual(v, local[rule.Field]) {
			changed = true
		}
		merged[rule.Field] = v
	}

	if !changed {
		return model.MergeResult{Action: model.ActionKeepLocal, Record: local.Clone()}
	}

	merged[model.FieldVersion] = max(local.Version(), server.Version()) + 1
	return model.MergeResult{Action: model.ActionMerge, Record: merged}
}
