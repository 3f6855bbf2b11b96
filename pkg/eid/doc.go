// Package eid implements Evolving Identity: membership of a cryptographic
// group tracked as a chain of evolvements.
//
// A Client holds group secrets (through its Backend) and proposes Add, Remove
// and Update evolvements. Proposals never change the Client's committed
// State; the caller commits them with Evolve. A Transcript holds no secrets:
// it is seeded from a TranscriptState exported by a Client it trusts and
// replays evolvements on top of it, checking that each one is a valid
// successor of the last. Client and Transcript fed the same evolvements agree
// on the member set.
//
// Concrete cryptography is supplied by a Backend, which is passed explicitly
// to every operation that needs it.
package eid
