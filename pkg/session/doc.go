// Package session persists conversations and coordinates concurrent turns.
//
// Invariants:
// - A conversation's version only moves forward, by one per committed append.
// - A writer presenting a stale version is rejected and the version is left unchanged.
// - At most one non-expired lock exists per session; acquisition is check-and-set.
//
// Usage:
//
//	store, _ := session.NewSQLiteStore(session.SQLiteConfig{Path: "/tmp/tempo.db"})
//	res, _ := store.AppendUserMessage(ctx, "s1", "plan my week", 0)
//	_ = res.Version
package session
