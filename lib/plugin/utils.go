// Package plugin provides utility functions for the host coordinator.
// This file contains helpers for sequence allocation, endpoint naming and
// outcome bookkeeping.
package plugin

import (
	"fmt"
	"os"
	"sort"
)

// allocSequence returns the next sequence number. Zero is reserved for the handshake.
func (l *Loader) allocSequence() uint32 {
	l.nextSeq++
	if l.nextSeq == 0 {
		l.nextSeq++
	}
	return l.nextSeq
}

// endpointName is unique per spawn within this loader and across loaders in
// other processes.
func (l *Loader) endpointName() string {
	return fmt.Sprintf("pscan-%d-%s-%d", os.Getpid(), l.hostID, l.spawnCount)
}

func (l *Loader) isPending(seq uint32) bool {
	for _, req := range l.pending {
		if req.Sequence == seq {
			return true
		}
	}
	return false
}

func (l *Loader) takeOutcome(seq uint32) (Outcome, bool) {
	out, ok := l.outcomes[seq]
	if ok {
		delete(l.outcomes, seq)
	}
	return out, ok
}

func (l *Loader) takeOutcomes() []Outcome {
	out := make([]Outcome, 0, len(l.outcomes))
	for seq, o := range l.outcomes {
		out = append(out, o)
		delete(l.outcomes, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
