package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/notnil/chess"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
)

var fenRankPattern = regexp.MustCompile(`^[kqrbnpKQRBNP1-8]+$`)

// ChessService wraps the chess rules library: PGN parsing, ply enumeration
// and FEN validation. It holds no state.
type ChessService struct{}

// NewChessService creates a chess service.
func NewChessService() *ChessService {
	return &ChessService{}
}

// ParsePGN loads a game from PGN text.
func (s *ChessService) ParsePGN(pgn string) (*chess.Game, error) {
	opt, err := chess.PGN(strings.NewReader(pgn))
	if err != nil {
		return nil, fmt.Errorf("invalid PGN: %w", err)
	}
	return chess.NewGame(opt), nil
}

// Plies replays the game and returns one entry per half-move with SAN, UCI,
// side to move and the FEN before and after the move.
func (s *ChessService) Plies(game *chess.Game) []models.Ply {
	moves := game.Moves()
	positions := game.Positions()
	notation := chess.AlgebraicNotation{}

	plies := make([]models.Ply, 0, len(moves))
	for i, move := range moves {
		before := positions[i]
		after := positions[i+1]
		plies = append(plies, models.Ply{
			Number:    i + 1,
			SAN:       notation.Encode(before, move),
			UCI:       move.String(),
			White:     before.Turn() == chess.White,
			FENBefore: before.String(),
			FENAfter:  after.String(),
		})
	}
	return plies
}

// ValidateFEN checks the structural validity of a FEN string. At least the
// first four space-separated fields are required; the piece placement must
// describe 8 ranks of 8 squares.
func (s *ChessService) ValidateFEN(fen string) error {
	fields := strings.Fields(fen)
	if len(fields) < 4 {
		return fmt.Errorf("%w: expected at least 4 fields, got %d", models.ErrInvalidFEN, len(fields))
	}

	ranks := strings.Split(fields[0], "/")
	if len(ranks) != 8 {
		return fmt.Errorf("%w: expected 8 ranks, got %d", models.ErrInvalidFEN, len(ranks))
	}
	for _, rank := range ranks {
		if !fenRankPattern.MatchString(rank) {
			return fmt.Errorf("%w: bad rank %q", models.ErrInvalidFEN, rank)
		}
		squares := 0
		for _, c := range rank {
			if c >= '1' && c <= '8' {
				squares += int(c - '0')
			} else {
				squares++
			}
		}
		if squares != 8 {
			return fmt.Errorf("%w: rank %q does not span 8 squares", models.ErrInvalidFEN, rank)
		}
	}

	if fields[1] != "w" && fields[1] != "b" {
		return fmt.Errorf("%w: side to move must be w or b", models.ErrInvalidFEN)
	}
	return nil
}

// IsWhiteToMove reports whether White is to move in the given FEN.
func (s *ChessService) IsWhiteToMove(fen string) bool {
	fields := strings.Fields(fen)
	return len(fields) < 2 || fields[1] != "b"
}
