// Committed-entry application to the opaque state machine, grounded on
// the state_machine_interface.Apply contract and apply_command.go's
// apply loop.
package raft

// applyCommitted replays every entry between lastApplied and
// commitIndex into the configured StateMachine, if one was supplied.
func (n *Node) applyCommitted() {
	if n.sm == nil {
		n.lastApplied = n.commitIndex
		return
	}
	entries := n.store.Entries()
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		if n.lastApplied > uint64(len(entries)) {
			break
		}
		n.sm.Apply(entries[n.lastApplied-1].Payload)
	}
}
