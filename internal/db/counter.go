package db

import (
	"context"
	"fmt"
)

// NextSequence returns the next value of the named counter, starting at 0.
//
// The increment is part of the transaction: if the transaction is rolled
// back, the value is handed out again. Because SQLite serializes writers,
// two transactions never observe the same value, even across processes
// sharing the database file.
func (tx *Tx) NextSequence(ctx context.Context, name string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = value + 1
		RETURNING value - 1
	`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incrementing counter %q: %w", name, err)
	}
	return n, nil
}
