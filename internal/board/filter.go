package board

import (
	"context"
	"encoding/json"

	"github.com/forgeboard/forgeboard/internal/store"
	"github.com/forgeboard/forgeboard/pkg/patch"
)

// taskStatusProbe extracts only the status field of an embedded task value.
type taskStatusProbe struct {
	Status store.TaskStatus `json:"status"`
}

// FilterOperation decides whether a board patch reaches the client, filtering
// hidden tasks out. Additions and replacements of a task entry are dropped
// when the id is in the hidden set or the embedded status is agent (the
// status check covers the race between task creation and the next cache
// refresh). Removals always pass. The full /tasks snapshot is filtered
// key-by-key.
func FilterOperation(ctx context.Context, cache *HiddenTaskCache, op patch.Operation) (patch.Operation, bool) {
	if op.Path == "/tasks" && (op.Op == patch.OpAdd || op.Op == patch.OpReplace) {
		return filterSnapshot(ctx, cache, op)
	}

	if !op.IsEntryOp("/tasks") {
		return op, true
	}

	if op.Op == patch.OpRemove {
		return op, true
	}

	if embeddedStatusIsAgent(op.Value) {
		return patch.Operation{}, false
	}
	if cache.Contains(ctx, op.LastSegment()) {
		return patch.Operation{}, false
	}
	return op, true
}

// filterSnapshot drops hidden entries from a full-board snapshot value, an
// object keyed by task id.
func filterSnapshot(ctx context.Context, cache *HiddenTaskCache, op patch.Operation) (patch.Operation, bool) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(op.Value, &entries); err != nil {
		// Not the shape we filter; forward untouched.
		return op, true
	}

	for id, value := range entries {
		if embeddedStatusIsAgent(value) || cache.Contains(ctx, id) {
			delete(entries, id)
		}
	}

	filtered, err := json.Marshal(entries)
	if err != nil {
		return op, true
	}
	op.Value = filtered
	return op, true
}

func embeddedStatusIsAgent(value json.RawMessage) bool {
	if len(value) == 0 {
		return false
	}
	var probe taskStatusProbe
	if err := json.Unmarshal(value, &probe); err != nil {
		return false
	}
	return probe.Status == store.TaskStatusAgent
}
