// Package store persists games and per-ply analysis rows in an embedded
// badger database. Analysis rows are keyed by game id and zero-padded ply
// number so a prefix scan yields them in moveNumber order.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
)

const (
	gamePrefix     = "game:"
	analysisPrefix = "analysis:"
)

func gameKey(id string) []byte {
	return []byte(gamePrefix + id)
}

func analysisKey(gameID string, moveNumber int) []byte {
	return []byte(fmt.Sprintf("%s%s:%05d", analysisPrefix, gameID, moveNumber))
}

func analysisGamePrefix(gameID string) []byte {
	return []byte(analysisPrefix + gameID + ":")
}

// Store wraps the badger database.
type Store struct {
	db  *badger.DB
	log *logrus.Entry
}

// Open opens (or creates) the database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db, log: logrus.WithField("component", "store")}, nil
}

// OpenInMemory opens an ephemeral database, used in tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	return &Store{db: db, log: logrus.WithField("component", "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveGame stores a game row, assigning an id and creation time when
// missing. Returns the stored game.
func (s *Store) SaveGame(game models.Game) (models.Game, error) {
	if game.ID == "" {
		game.ID = uuid.NewString()
	}
	if game.CreatedAt.IsZero() {
		game.CreatedAt = time.Now()
	}
	data, err := json.Marshal(game)
	if err != nil {
		return models.Game{}, fmt.Errorf("encode game: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(gameKey(game.ID), data)
	})
	if err != nil {
		return models.Game{}, fmt.Errorf("save game: %w", err)
	}
	return game, nil
}

// GetGame loads one game row.
func (s *Store) GetGame(id string) (*models.Game, error) {
	var game models.Game
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(gameKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &game)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get game: %w", err)
	}
	return &game, nil
}

// ListGames returns all stored games.
func (s *Store) ListGames() ([]models.Game, error) {
	games := make([]models.Game, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(gamePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var g models.Game
				if err := json.Unmarshal(val, &g); err != nil {
					return err
				}
				games = append(games, g)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	return games, nil
}

// DeleteGame removes a game and, cascading, its analysis rows.
func (s *Store) DeleteGame(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(gameKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(gameKey(id)); err != nil {
			return err
		}
		return deleteAnalysisRows(txn, id)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.ErrGameNotFound
	}
	if err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	return nil
}

// ReplaceAnalysis atomically replaces all analysis rows for a game with the
// given set. Passing an empty set just clears existing rows.
func (s *Store) ReplaceAnalysis(gameID string, rows []models.AnalysisRow) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deleteAnalysisRows(txn, gameID); err != nil {
			return err
		}
		for _, row := range rows {
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("encode row %d: %w", row.MoveNumber, err)
			}
			if err := txn.Set(analysisKey(gameID, row.MoveNumber), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace analysis for %s: %w", gameID, err)
	}
	return nil
}

// ListAnalysis returns the analysis rows for a game ordered by move number
// ascending.
func (s *Store) ListAnalysis(gameID string) ([]models.AnalysisRow, error) {
	rows := make([]models.AnalysisRow, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = analysisGamePrefix(gameID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var row models.AnalysisRow
				if err := json.Unmarshal(val, &row); err != nil {
					return err
				}
				rows = append(rows, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list analysis for %s: %w", gameID, err)
	}
	return rows, nil
}

// deleteAnalysisRows removes every analysis row for a game within txn.
func deleteAnalysisRows(txn *badger.Txn, gameID string) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = analysisGamePrefix(gameID)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	keys := make([][]byte, 0)
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
