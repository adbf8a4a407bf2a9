package provenance

import (
	"bytes"
	"fmt"
)

// IssueKind classifies a chain validation failure.
type IssueKind string

const (
	IssueSequenceBroken  IssueKind = "SequenceBroken"
	IssueChainIDMismatch IssueKind = "ChainIDMismatch"
	IssueSeqRegression   IssueKind = "SeqRegression"
	IssueDateRegression  IssueKind = "DateRegression"
	IssueMalformedMark   IssueKind = "MalformedMark"
)

// Issue is one validation finding, anchored to the index of the offending
// mark in the validated slice (-1 for chain-level findings).
type Issue struct {
	Index   int       `json:"index"`
	Kind    IssueKind `json:"kind"`
	Message string    `json:"message"`
}

// Report collects the findings of a chain validation.
type Report struct {
	MarkCount int     `json:"markCount"`
	Issues    []Issue `json:"issues"`
}

// HasIssues reports whether any finding was recorded.
func (r *Report) HasIssues() bool {
	return len(r.Issues) > 0
}

// IsSequenceValid reports whether marks form one intact chain: a genesis
// mark followed by links where each mark commits to its successor.
func IsSequenceValid(marks []*Mark) bool {
	if len(marks) == 0 {
		return false
	}
	if !marks[0].IsGenesis() {
		return false
	}
	for i := 0; i < len(marks)-1; i++ {
		if !marks[i].Precedes(marks[i+1]) {
			return false
		}
	}
	return true
}

// Validate examines marks and produces a structured report of every
// per-mark and per-chain problem found.
func Validate(marks []*Mark) *Report {
	r := &Report{MarkCount: len(marks)}
	if len(marks) == 0 {
		r.add(-1, IssueSequenceBroken, "empty mark sequence")
		return r
	}
	for i, m := range marks {
		if err := m.Valid(); err != nil {
			r.add(i, IssueMalformedMark, err.Error())
		}
	}
	if marks[0].Valid() == nil && !marks[0].IsGenesis() {
		r.add(0, IssueSequenceBroken, fmt.Sprintf("first mark has seq %d, expected genesis", marks[0].Seq))
	}
	for i := 0; i < len(marks)-1; i++ {
		cur, next := marks[i], marks[i+1]
		if cur.Valid() != nil || next.Valid() != nil {
			continue
		}
		if !bytes.Equal(cur.ChainID, next.ChainID) {
			r.add(i+1, IssueChainIDMismatch, fmt.Sprintf("mark %d chainID %x differs from %x", next.Seq, next.ChainID, cur.ChainID))
			continue
		}
		if next.Seq <= cur.Seq {
			r.add(i+1, IssueSeqRegression, fmt.Sprintf("seq %d does not advance past %d", next.Seq, cur.Seq))
			continue
		}
		if next.Date.Before(cur.Date) {
			r.add(i+1, IssueDateRegression, fmt.Sprintf("mark %d dated %s before predecessor %s",
				next.Seq, next.Date.Format("2006-01-02T15:04:05Z07:00"), cur.Date.Format("2006-01-02T15:04:05Z07:00")))
		}
		if !cur.Precedes(next) {
			r.add(i+1, IssueSequenceBroken, fmt.Sprintf("mark %d does not match the successor commitment of mark %d", next.Seq, cur.Seq))
		}
	}
	return r
}

// Partitions splits marks at every genesis whose chain ID differs from the
// partition in progress. A trust-root reset introduces such a genesis; each
// partition validates as an independent chain.
func Partitions(marks []*Mark) [][]*Mark {
	var out [][]*Mark
	var cur []*Mark
	for _, m := range marks {
		if len(cur) > 0 && m.IsGenesis() && !bytes.Equal(m.ChainID, cur[0].ChainID) {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, m)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (r *Report) add(index int, kind IssueKind, msg string) {
	r.Issues = append(r.Issues, Issue{Index: index, Kind: kind, Message: msg})
}
