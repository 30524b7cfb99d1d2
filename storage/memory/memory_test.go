package memory

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/jmcleod/tokenlink/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	tokenID := "token1"
	recordType := "cert"
	recordID := "id1"
	rec := &storage.Record{Class: "x509", Label: "leaf", Data: []byte("der")}

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(tokenID, recordType, recordID, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(tokenID, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Class != rec.Class || got.Label != rec.Label || !bytes.Equal(got.Data, rec.Data) {
			t.Errorf("Get returned wrong record: %+v", got)
		}

		// Returned records are copies.
		got.Data[0] = 'X'
		again, _ := repo.Get(tokenID, recordType, recordID)
		if again.Data[0] == 'X' {
			t.Error("repository data was modified through returned record")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := repo.Get("nope", recordType, recordID); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Errorf("expected ErrTokenNotFound, got %v", err)
		}
		if _, err := repo.Get(tokenID, recordType, "nope"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListSorted", func(t *testing.T) {
		for i := 3; i >= 2; i-- {
			repo.Put(tokenID, recordType, fmt.Sprintf("id%d", i), rec)
		}
		repo.Put(tokenID, "key", "k1", rec)

		ids, err := repo.List(tokenID, recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []string{"id1", "id2", "id3"}
		if fmt.Sprint(ids) != fmt.Sprint(want) {
			t.Errorf("expected %v, got %v", want, ids)
		}
	})

	t.Run("Tokens", func(t *testing.T) {
		repo.Put("token0", "meta", "info", rec)
		ids, err := repo.Tokens()
		if err != nil {
			t.Fatalf("Tokens failed: %v", err)
		}
		if fmt.Sprint(ids) != "[token0 token1]" {
			t.Errorf("unexpected tokens %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(tokenID, recordType, "id3"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := repo.Delete(tokenID, recordType, "id3"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		err := repo.Batch(tokenID, func(tx storage.BatchTx) error {
			if err := tx.Put("key", "k2", rec); err != nil {
				return err
			}
			return errors.New("abort")
		})
		if err == nil {
			t.Fatal("expected batch error")
		}
		if _, err := repo.Get(tokenID, "key", "k2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected rolled back write, got %v", err)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch("token2", func(tx storage.BatchTx) error {
			if err := tx.Put("key", "pub", rec); err != nil {
				return err
			}
			return tx.Put("key", "priv", rec)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		ids, _ := repo.List("token2", "key")
		if len(ids) != 2 {
			t.Errorf("expected 2 keys, got %v", ids)
		}
	})
}
