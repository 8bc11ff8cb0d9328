package pipeline

// KeySpace derives every Redis key the engine uses. Per-node keys depend only
// on the node id, which is unique across pipelines.
type KeySpace struct {
	Prefix string
}

// Keys is the key space used by the engine.
var Keys = KeySpace{Prefix: "promptchain"}

// Record is the key of a pipeline's persisted snapshot.
func (k KeySpace) Record(pipelineID string) string {
	return k.Prefix + ":pipeline:" + pipelineID
}

func (k KeySpace) item(id, suffix string) string {
	return k.Prefix + ":item:" + id + ":" + suffix
}

// Content is the node's accumulated text.
func (k KeySpace) Content(id string) string { return k.item(id, "content") }

// Done is "1" once the node finished.
func (k KeySpace) Done(id string) string { return k.item(id, "done") }

// Pending counts predecessors that have not finished yet.
func (k KeySpace) Pending(id string) string { return k.item(id, "pending") }

// Confirmed is the set of predecessors already counted against Pending.
func (k KeySpace) Confirmed(id string) string { return k.item(id, "confirmed") }

// Dispatched marks that the node's request was published.
func (k KeySpace) Dispatched(id string) string { return k.item(id, "dispatched") }

// Stream is the node's own event stream.
func (k KeySpace) Stream(id string) string { return k.item(id, "stream") }

// Node returns every per-node key of id.
func (k KeySpace) Node(id string) []string {
	return []string{
		k.Content(id),
		k.Done(id),
		k.Pending(id),
		k.Confirmed(id),
		k.Dispatched(id),
		k.Stream(id),
	}
}
