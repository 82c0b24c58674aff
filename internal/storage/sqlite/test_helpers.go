package sqlite

import "testing"

// NewSQLiteTest returns an in-memory store closed at the end of the test.
func NewSQLiteTest(t testing.TB) *Store {
	t.Helper()
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewSQLiteFileTest returns a file-backed store in a temp dir, so several
// connections contend for the same database the way separate processes do.
func NewSQLiteFileTest(t testing.TB) *Store {
	t.Helper()
	st, err := New(t.TempDir() + "/interlock.db")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
