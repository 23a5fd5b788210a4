package store

import "github.com/lib/pq"

// pqStringArray adapts a *[]string field to PostgreSQL's text[] wire
// format for Scan destinations. lib/pq's Array helper works against any
// database/sql driver (including the pgx stdlib driver this package
// uses), since it only implements sql.Scanner/driver.Valuer over the
// Postgres array text encoding rather than depending on lib/pq's own
// driver.
func pqStringArray(dst *[]string) *pq.StringArray {
	return (*pq.StringArray)(dst)
}
