package prover

import (
	"errors"
	"testing"
)

func TestRoundStringRoundTrip(t *testing.T) {
	rounds := []AggregationRound{RoundBasic, RoundLeaf, RoundNode, RoundScheduler}
	for _, r := range rounds {
		parsed, err := ParseRound(r.String())
		if err != nil {
			t.Fatalf("ParseRound(%q) returned error: %v", r.String(), err)
		}
		if parsed != r {
			t.Fatalf("ParseRound(%q) = %d, want %d", r.String(), parsed, r)
		}
	}
}

func TestParseRoundUnknown(t *testing.T) {
	if _, err := ParseRound("quantum"); err == nil {
		t.Fatal("ParseRound accepted an unknown round name")
	}
}

func TestRoundNext(t *testing.T) {
	next, ok := RoundNode.Next()
	if !ok || next != RoundScheduler {
		t.Fatalf("RoundNode.Next() = %d, %v, want %d, true", next, ok, RoundScheduler)
	}
	if _, ok := RoundScheduler.Next(); ok {
		t.Fatal("RoundScheduler.Next() reported a following round")
	}
}

func TestSchedulerCircuitKey(t *testing.T) {
	key := SchedulerCircuitKey(42)
	if key.CircuitID != SchedulerCircuitID {
		t.Fatalf("CircuitID = %d, want %d", key.CircuitID, SchedulerCircuitID)
	}
	if key.SequenceNumber != 0 || key.Depth != 0 {
		t.Fatalf("sequence/depth = %d/%d, want 0/0", key.SequenceNumber, key.Depth)
	}
	if key.Round != RoundScheduler {
		t.Fatalf("Round = %d, want %d", key.Round, RoundScheduler)
	}
	if got, want := key.ObjectName(), "42_1_0_0_scheduler.bin"; got != want {
		t.Fatalf("ObjectName() = %q, want %q", got, want)
	}
	if key.Bucket() != "prover_jobs" {
		t.Fatalf("Bucket() = %q, want prover_jobs", key.Bucket())
	}
}

func TestObjectNamesAreDistinct(t *testing.T) {
	a := SchedulerCircuitKey(7)
	b := SchedulerCircuitKey(8)
	if a.ObjectName() == b.ObjectName() {
		t.Fatalf("distinct batches share object name %q", a.ObjectName())
	}
	if ProofKey(1).ObjectName() == ProofKey(2).ObjectName() {
		t.Fatal("distinct proof keys share an object name")
	}
}

func TestRecursiveRejectsBaseProof(t *testing.T) {
	w := ProofWrapper{Kind: ProofKindBase, Proof: Proof{CircuitID: 4}}
	_, err := w.Recursive()
	if !errors.Is(err, ErrUnexpectedBaseProof) {
		t.Fatalf("Recursive() error = %v, want ErrUnexpectedBaseProof", err)
	}
}

func TestRecursiveReturnsProof(t *testing.T) {
	want := Proof{CircuitID: 13, Commitment: "abc", Payload: []byte{1, 2, 3}}
	w := ProofWrapper{Kind: ProofKindRecursive, Proof: want}
	got, err := w.Recursive()
	if err != nil {
		t.Fatalf("Recursive() returned error: %v", err)
	}
	if got.CircuitID != want.CircuitID || got.Commitment != want.Commitment {
		t.Fatalf("Recursive() = %+v, want %+v", got, want)
	}
}

func TestProofWrapperCodec(t *testing.T) {
	w := ProofWrapper{Kind: ProofKindRecursive, Proof: Proof{CircuitID: 9, Commitment: "c9"}}
	data, err := EncodeProofWrapper(w)
	if err != nil {
		t.Fatalf("EncodeProofWrapper returned error: %v", err)
	}
	back, err := DecodeProofWrapper(data)
	if err != nil {
		t.Fatalf("DecodeProofWrapper returned error: %v", err)
	}
	if back.Kind != w.Kind || back.Proof.Commitment != w.Proof.Commitment {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestDecodeProofWrapperRejectsUnknownKind(t *testing.T) {
	if _, err := DecodeProofWrapper([]byte(`{"kind":"mystery","proof":{}}`)); err == nil {
		t.Fatal("DecodeProofWrapper accepted an unknown kind")
	}
}

func TestEncodeCircuitWrapperRejectsUnknownKind(t *testing.T) {
	if _, err := EncodeCircuitWrapper(CircuitWrapper{Kind: "mystery"}); err == nil {
		t.Fatal("EncodeCircuitWrapper accepted an unknown kind")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []JobStatus{StatusSuccessful, StatusFailed, StatusSubmitted}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s.Terminal() = false, want true", s)
		}
	}
	active := []JobStatus{StatusQueued, StatusPicked, StatusProcessing}
	for _, s := range active {
		if s.Terminal() {
			t.Fatalf("%s.Terminal() = true, want false", s)
		}
	}
}
