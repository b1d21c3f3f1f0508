package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/udisondev/la2go/internal/model"
)

// ItemRepository persists the item-row mutations the economy/critical
// commit protocol (trade confirm) drives: minting a freshly traded item,
// and adjusting an existing stack's count, deleting the row once depleted.
type ItemRepository struct {
	db *pgxpool.Pool
}

// NewItemRepository создаёт новый ItemRepository.
func NewItemRepository(db *pgxpool.Pool) *ItemRepository {
	return &ItemRepository{db: db}
}

// Create создаёт новый предмет в БД.
func (r *ItemRepository) Create(ctx context.Context, item *model.Item) error {
	query := `
		INSERT INTO items (owner_id, item_type, count, enchant, location, slot_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING item_id, created_at
	`

	loc, slotID := item.Location()

	var itemID int64
	var createdAt time.Time

	err := r.db.QueryRow(ctx, query,
		item.OwnerID(), item.ItemType(), item.Count(), item.Enchant(), int32(loc), slotID,
	).Scan(&itemID, &createdAt)

	if err != nil {
		return fmt.Errorf("creating item: %w", err)
	}

	// Устанавливаем ID и createdAt который вернула БД
	item.SetItemID(itemID)
	item.SetCreatedAt(createdAt)

	return nil
}

// AdjustCount applies delta to an existing item's count in a single
// atomic UPDATE, returning the resulting count. The WHERE clause rejects
// deltas that would take the count negative instead of clamping or
// erroring after the fact. A count that lands exactly on zero deletes the
// row and returns 0.
func (r *ItemRepository) AdjustCount(ctx context.Context, itemID int64, delta int32) (int32, error) {
	query := `
		UPDATE items
		SET count = count + $2
		WHERE item_id = $1 AND count + $2 >= 0
		RETURNING count
	`

	var newCount int32
	err := r.db.QueryRow(ctx, query, itemID, delta).Scan(&newCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("adjusting count for item %d by %d: item missing or insufficient count", itemID, delta)
		}
		return 0, fmt.Errorf("adjusting count for item %d by %d: %w", itemID, delta, err)
	}

	if newCount == 0 {
		if err := r.Delete(ctx, itemID); err != nil {
			return 0, fmt.Errorf("deleting depleted item %d: %w", itemID, err)
		}
	}

	return newCount, nil
}

// Delete удаляет предмет из БД.
func (r *ItemRepository) Delete(ctx context.Context, itemID int64) error {
	query := `DELETE FROM items WHERE item_id = $1`

	result, err := r.db.Exec(ctx, query, itemID)
	if err != nil {
		return fmt.Errorf("deleting item %d: %w", itemID, err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("item %d not found", itemID)
	}

	return nil
}
