package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgForeignKeyViolation = "23503"

// PostgresItems stores one resource kind in crud_items as JSONB.
type PostgresItems[T Item] struct {
	db   DB
	kind string
}

func NewPostgresItems[T Item](db DB, kind string) *PostgresItems[T] {
	return &PostgresItems[T]{db: db, kind: kind}
}

func (p *PostgresItems[T]) CreateItem(ctx context.Context, recordName string, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", p.kind, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO crud_items(kind, record_name, address, markers, data, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, record_name, address)
		DO UPDATE SET markers = EXCLUDED.markers, data = EXCLUDED.data, size_bytes = EXCLUDED.size_bytes, updated_at = now()`,
		p.kind, recordName, item.ItemAddress(), markersOf(item), data, len(data))
	if err != nil {
		return fmt.Errorf("insert %s item: %w", p.kind, err)
	}
	return nil
}

func (p *PostgresItems[T]) UpdateItem(ctx context.Context, recordName string, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", p.kind, err)
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE crud_items SET markers = $4, data = $5, size_bytes = $6, updated_at = now()
		WHERE kind = $1 AND record_name = $2 AND address = $3`,
		p.kind, recordName, item.ItemAddress(), markersOf(item), data, len(data))
	if err != nil {
		return fmt.Errorf("update %s item: %w", p.kind, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresItems[T]) GetItem(ctx context.Context, recordName, address string) (T, error) {
	var zero T
	var data []byte
	err := p.db.QueryRow(ctx, `SELECT data FROM crud_items WHERE kind = $1 AND record_name = $2 AND address = $3`,
		p.kind, recordName, address).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("get %s item: %w", p.kind, err)
	}
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return zero, fmt.Errorf("decode %s item: %w", p.kind, err)
	}
	return item, nil
}

func (p *PostgresItems[T]) DeleteItem(ctx context.Context, recordName, address string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM crud_items WHERE kind = $1 AND record_name = $2 AND address = $3`,
		p.kind, recordName, address); err != nil {
		return fmt.Errorf("delete %s item: %w", p.kind, err)
	}
	return nil
}

func (p *PostgresItems[T]) ListItems(ctx context.Context, recordName string, opts ListOptions) (Page[T], error) {
	return p.list(ctx, recordName, "", opts)
}

func (p *PostgresItems[T]) ListItemsByMarker(ctx context.Context, recordName, marker string, opts ListOptions) (Page[T], error) {
	return p.list(ctx, recordName, marker, opts)
}

func (p *PostgresItems[T]) list(ctx context.Context, recordName, marker string, opts ListOptions) (Page[T], error) {
	where := []string{"kind = $1", "record_name = $2"}
	args := []any{p.kind, recordName}
	if marker != "" {
		args = append(args, marker)
		where = append(where, fmt.Sprintf("$%d = ANY(markers)", len(args)))
	}
	page := Page[T]{Items: []T{}}
	filter := strings.Join(where, " AND ")
	if err := p.db.QueryRow(ctx, `SELECT count(*) FROM crud_items WHERE `+filter, args...).Scan(&page.TotalCount); err != nil {
		return page, fmt.Errorf("count %s items: %w", p.kind, err)
	}

	order := "ASC"
	cmp := ">"
	if opts.Sort == Descending {
		order, cmp = "DESC", "<"
	}
	if opts.StartingAddress != "" {
		args = append(args, opts.StartingAddress)
		filter += fmt.Sprintf(" AND address %s $%d", cmp, len(args))
	}
	sql := `SELECT data FROM crud_items WHERE ` + filter + ` ORDER BY address ` + order
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return page, fmt.Errorf("list %s items: %w", p.kind, err)
	}
	items, err := decodeRows[T](rows)
	if err != nil {
		return page, fmt.Errorf("list %s items: %w", p.kind, err)
	}
	page.Items = items
	return page, nil
}

// CountItems sums usage across recordNames.
func (p *PostgresItems[T]) CountItems(ctx context.Context, recordNames ...string) (Usage, error) {
	var u Usage
	err := p.db.QueryRow(ctx, `SELECT count(*), COALESCE(sum(size_bytes), 0) FROM crud_items WHERE kind = $1 AND record_name = ANY($2)`,
		p.kind, recordNamesArg(recordNames)).Scan(&u.Items, &u.Bytes)
	if err != nil {
		return u, fmt.Errorf("count %s items: %w", p.kind, err)
	}
	return u, nil
}

func (p *PostgresItems[T]) ParentMarkers(ctx context.Context, recordName, address string) ([]string, error) {
	var markers []string
	err := p.db.QueryRow(ctx, `SELECT markers FROM crud_items WHERE kind = $1 AND record_name = $2 AND address = $3`,
		p.kind, recordName, address).Scan(&markers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s markers: %w", p.kind, err)
	}
	return markers, nil
}

func recordNamesArg(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

func markersOf(item Item) []string {
	if m := item.ItemMarkers(); m != nil {
		return m
	}
	return []string{}
}

func decodeRows[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// PostgresSubItems stores children in crud_sub_items. Rows reference their
// parent in crud_items, so a missing parent surfaces as a foreign key
// violation.
type PostgresSubItems[K comparable, T any] struct {
	db         DB
	kind       string
	parentKind string
	keyOf      func(T) K
	encodeKey  func(K) string
}

func NewPostgresSubItems[K comparable, T any](db DB, kind, parentKind string, keyOf func(T) K, encodeKey func(K) string) *PostgresSubItems[K, T] {
	return &PostgresSubItems[K, T]{db: db, kind: kind, parentKind: parentKind, keyOf: keyOf, encodeKey: encodeKey}
}

func (p *PostgresSubItems[K, T]) CreateItem(ctx context.Context, recordName, address string, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s item: %w", p.kind, err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO crud_sub_items(kind, parent_kind, record_name, address, item_key, data, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kind, record_name, address, item_key)
		DO UPDATE SET data = EXCLUDED.data, size_bytes = EXCLUDED.size_bytes, updated_at = now()`,
		p.kind, p.parentKind, recordName, address, p.encodeKey(p.keyOf(item)), data, len(data))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrParentNotFound
	}
	if err != nil {
		return fmt.Errorf("insert %s item: %w", p.kind, err)
	}
	return nil
}

func (p *PostgresSubItems[K, T]) PutItem(ctx context.Context, recordName, address string, item T) error {
	return p.CreateItem(ctx, recordName, address, item)
}

func (p *PostgresSubItems[K, T]) GetItemByKey(ctx context.Context, recordName, address string, key K) (SubItem[T], error) {
	var markers []string
	var data []byte
	err := p.db.QueryRow(ctx, `
		SELECT p.markers, s.data
		FROM crud_items p
		LEFT JOIN crud_sub_items s
			ON s.parent_kind = p.kind AND s.record_name = p.record_name AND s.address = p.address
			AND s.kind = $1 AND s.item_key = $5
		WHERE p.kind = $2 AND p.record_name = $3 AND p.address = $4`,
		p.kind, p.parentKind, recordName, address, p.encodeKey(key)).Scan(&markers, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return SubItem[T]{}, ErrNotFound
	}
	if err != nil {
		return SubItem[T]{}, fmt.Errorf("get %s item: %w", p.kind, err)
	}
	if data == nil {
		return SubItem[T]{}, ErrNotFound
	}
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return SubItem[T]{}, fmt.Errorf("decode %s item: %w", p.kind, err)
	}
	return SubItem[T]{Item: item, ParentMarkers: markers}, nil
}

func (p *PostgresSubItems[K, T]) DeleteItem(ctx context.Context, recordName, address string, key K) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM crud_sub_items WHERE kind = $1 AND record_name = $2 AND address = $3 AND item_key = $4`,
		p.kind, recordName, address, p.encodeKey(key)); err != nil {
		return fmt.Errorf("delete %s item: %w", p.kind, err)
	}
	return nil
}

// DeleteParent drops every child under the item at address. Deleting the
// parent row already cascades; this covers children whose parent remains.
func (p *PostgresSubItems[K, T]) DeleteParent(ctx context.Context, recordName, address string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM crud_sub_items WHERE kind = $1 AND record_name = $2 AND address = $3`,
		p.kind, recordName, address); err != nil {
		return fmt.Errorf("delete %s items: %w", p.kind, err)
	}
	return nil
}

func (p *PostgresSubItems[K, T]) ListItems(ctx context.Context, recordName, address string) (Page[T], error) {
	rows, err := p.db.Query(ctx, `SELECT data FROM crud_sub_items WHERE kind = $1 AND record_name = $2 AND address = $3`,
		p.kind, recordName, address)
	if err != nil {
		return Page[T]{}, fmt.Errorf("list %s items: %w", p.kind, err)
	}
	items, err := decodeRows[T](rows)
	if err != nil {
		return Page[T]{}, fmt.Errorf("list %s items: %w", p.kind, err)
	}
	return Page[T]{Items: items, TotalCount: len(items)}, nil
}

func (p *PostgresSubItems[K, T]) CountItems(ctx context.Context, recordNames ...string) (Usage, error) {
	var u Usage
	err := p.db.QueryRow(ctx, `SELECT count(*), COALESCE(sum(size_bytes), 0) FROM crud_sub_items WHERE kind = $1 AND record_name = ANY($2)`,
		p.kind, recordNamesArg(recordNames)).Scan(&u.Items, &u.Bytes)
	if err != nil {
		return u, fmt.Errorf("count %s items: %w", p.kind, err)
	}
	return u, nil
}
