package models

// Ply is one half-move of a replayed game, with the positions on either
// side of it. Number is 1-based; White plies have odd numbers.
type Ply struct {
	Number    int    `json:"number"`
	SAN       string `json:"san"`
	UCI       string `json:"uci"`
	White     bool   `json:"white"`
	FENBefore string `json:"fenBefore"`
	FENAfter  string `json:"fenAfter"`
}
