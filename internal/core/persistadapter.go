package core

import (
	"context"
	"fmt"

	"github.com/udisondev/la2go/internal/model"
	"github.com/udisondev/la2go/internal/persistworker"
)

// characterRepo is the narrow slice of db.CharacterRepository the
// PersistenceWorker needs: two hot-path updates, neither of which touches
// items or the rest of the character row.
type characterRepo interface {
	UpdateLocation(ctx context.Context, characterID int64, loc model.Location) error
	UpdateStats(ctx context.Context, characterID int64, hp, mp, cp int32) error
}

// itemRepo is the narrow slice of db.ItemRepository the economy/critical
// commit protocol needs: create a freshly traded item, or adjust (and, at
// zero, delete) an existing stackable item's count.
type itemRepo interface {
	Create(ctx context.Context, item *model.Item) error
	AdjustCount(ctx context.Context, itemID int64, delta int32) (int32, error)
}

// snapshotPersister adapts internal/db's hot-path repository methods to
// persistworker.Persister. MapServer snapshots carry only non-critical
// state (position + hp); the full item ledger a trade mutates goes through
// itemRepo instead, driven by the economy commit protocol in dispatch.go.
type snapshotPersister struct {
	repo characterRepo
}

func newSnapshotPersister(repo characterRepo) *snapshotPersister {
	return &snapshotPersister{repo: repo}
}

// FlushBatch implements persistworker.Persister.
func (p *snapshotPersister) FlushBatch(ctx context.Context, entries []persistworker.Entry) error {
	for _, e := range entries {
		x, y, z, hp, err := decodeSnapshot(e.Snapshot)
		if err != nil {
			return fmt.Errorf("core: decoding snapshot for character %d: %w", e.CharacterID, err)
		}
		if err := p.repo.UpdateLocation(ctx, e.CharacterID, model.NewLocation(x, y, z, 0)); err != nil {
			return err
		}
		if err := p.repo.UpdateStats(ctx, e.CharacterID, hp, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

func decodeSnapshot(buf []byte) (x, y, z, hp int32, err error) {
	if len(buf) != 16 {
		return 0, 0, 0, 0, fmt.Errorf("expected 16-byte snapshot, got %d", len(buf))
	}
	return getInt32(buf[0:]), getInt32(buf[4:]), getInt32(buf[8:]), getInt32(buf[12:]), nil
}

func getInt32(buf []byte) int32 {
	return int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
}
