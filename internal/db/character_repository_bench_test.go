package db

import (
	"context"
	"testing"

	"github.com/udisondev/la2go/internal/model"
)

// Benchmark UpdateLocation — HOT PATH (5-10M calls/sec на пике с 100K игроков)
func BenchmarkCharacterRepository_UpdateLocation(b *testing.B) {
	pool := setupTestDB(b)
	repo := NewCharacterRepository(pool)

	var characterID int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO characters (account_id, name, level) VALUES ($1, $2, $3) RETURNING character_id`,
		1, "BenchHero", 75,
	).Scan(&characterID)
	if err != nil {
		b.Fatalf("seeding test character: %v", err)
	}

	ctx := context.Background()
	loc := model.NewLocation(10000, 20000, 3000, 1500)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := repo.UpdateLocation(ctx, characterID, loc); err != nil {
				b.Errorf("UpdateLocation failed: %v", err)
			}
		}
	})
}

// Benchmark UpdateStats — HOT PATH (5-10M calls/sec на пике)
func BenchmarkCharacterRepository_UpdateStats(b *testing.B) {
	pool := setupTestDB(b)
	repo := NewCharacterRepository(pool)

	var characterID int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO characters (account_id, name, level) VALUES ($1, $2, $3) RETURNING character_id`,
		1, "BenchHero", 75,
	).Scan(&characterID)
	if err != nil {
		b.Fatalf("seeding test character: %v", err)
	}

	ctx := context.Background()
	hp, mp, cp := int32(1000), int32(500), int32(100)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := repo.UpdateStats(ctx, characterID, hp, mp, cp); err != nil {
				b.Errorf("UpdateStats failed: %v", err)
			}
		}
	})
}
