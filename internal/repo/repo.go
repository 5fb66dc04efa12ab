package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"taskmesh/internal/domain"
)

// Repo is the persistence layer. Methods with a Tx parameter participate in
// the caller's transaction; the rest read through the shared handle.
type Repo struct {
	DB *sql.DB
}

// ErrNotFound aliases the domain sentinel so callers can errors.Is against
// either package.
var ErrNotFound = domain.ErrNotFound

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(in []string) string {
	if len(in) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStrings(in string) []string {
	if in == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in), &out)
	return out
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
