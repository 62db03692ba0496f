package edda

import "time"

// CompressingStream accumulates adjacent ChangeSetRequests into one
// pending CompressedChangeSetRequest, per spec §4.10's three merge rules.
// Not safe for concurrent use; one instance belongs to exactly one
// change-set processor task.
type CompressingStream struct {
	pending   *Request
	heartbeat time.Time
}

// NewCompressingStream returns an empty stream with its heartbeat set to
// now.
func NewCompressingStream() *CompressingStream {
	return &CompressingStream{heartbeat: time.Now()}
}

// Accept folds req into the stream and returns zero or more requests now
// ready for the processor to handle. A NewChangeSet request is never
// merged with what came before it (it terminates any in-flight Update),
// so Accept can return both the just-flushed predecessor and the
// NewChangeSet itself in the same call.
func (c *CompressingStream) Accept(req Request) []Request {
	c.heartbeat = time.Now()

	if req.Kind == RequestNewChangeSet {
		var ready []Request
		if c.pending != nil {
			ready = append(ready, *c.pending)
			c.pending = nil
		}
		return append(ready, req)
	}

	if c.pending == nil {
		p := req
		c.pending = &p
		return nil
	}

	if merged, ok := mergeInto(*c.pending, req); ok {
		c.pending = &merged
		return nil
	}

	out := *c.pending
	p := req
	c.pending = &p
	return []Request{out}
}

// mergeInto reports whether next can be folded into pending, and if so
// returns the merged result. Two rules apply:
//   - adjacent Update messages whose to/from snapshot addresses chain are
//     concatenated into one wider Update.
//   - a Rebuild or RebuildChangedDefinitions subsumes whatever was
//     pending, discarding it (later wins).
func mergeInto(pending, next Request) (Request, bool) {
	switch {
	case pending.Kind == RequestUpdate && next.Kind == RequestUpdate && pending.ToSnapshotAddress == next.FromSnapshotAddress:
		merged := pending
		merged.ToSnapshotAddress = next.ToSnapshotAddress
		merged.ChangeBatchAddresses = append(append([]string{}, pending.ChangeBatchAddresses...), next.ChangeBatchAddresses...)
		return merged, true
	case next.Kind == RequestRebuild || next.Kind == RequestRebuildChangedDefinitions:
		return next, true
	default:
		return Request{}, false
	}
}

// Flush force-emits the pending request, if any, clearing the stream.
// Called when the stream is closed or a quiesced shutdown fires.
func (c *CompressingStream) Flush() *Request {
	if c.pending == nil {
		return nil
	}
	out := *c.pending
	c.pending = nil
	return &out
}

// LastHeartbeat reports when Accept was last called, for the quiescent-
// period check in processor.go.
func (c *CompressingStream) LastHeartbeat() time.Time {
	return c.heartbeat
}
