// Package audit is the explainability audit trail. Every suggestion call gets an
// append-only Record; a Record is finalized exactly once with the human acuity,
// after which it is terminal.
package audit
