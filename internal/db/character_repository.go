package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/udisondev/la2go/internal/model"
)

// CharacterRepository persists the two character fields MapServer's
// snapshot flush actually touches: position and combat stats. Character
// creation and full-row load belong to a character-select/account service
// outside this runtime's scope.
type CharacterRepository struct {
	db *pgxpool.Pool
}

// NewCharacterRepository создаёт новый CharacterRepository.
func NewCharacterRepository(db *pgxpool.Pool) *CharacterRepository {
	return &CharacterRepository{db: db}
}

// UpdateLocation — hot path для movement packets.
// Обновляет только координаты, избегая UPDATE всех полей.
func (r *CharacterRepository) UpdateLocation(ctx context.Context, characterID int64, loc model.Location) error {
	query := `
		UPDATE characters
		SET x = $2, y = $3, z = $4, heading = $5
		WHERE character_id = $1
	`

	_, err := r.db.Exec(ctx, query, characterID, loc.X, loc.Y, loc.Z, loc.Heading)
	if err != nil {
		return fmt.Errorf("updating location for character %d: %w", characterID, err)
	}

	return nil
}

// UpdateStats — hot path для combat packets.
// Обновляет только HP/MP/CP, избегая UPDATE всех полей.
func (r *CharacterRepository) UpdateStats(ctx context.Context, characterID int64, hp, mp, cp int32) error {
	query := `
		UPDATE characters
		SET current_hp = $2, current_mp = $3, current_cp = $4
		WHERE character_id = $1
	`

	_, err := r.db.Exec(ctx, query, characterID, hp, mp, cp)
	if err != nil {
		return fmt.Errorf("updating stats for character %d: %w", characterID, err)
	}

	return nil
}
