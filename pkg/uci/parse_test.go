package uci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMateToCentipawns(t *testing.T) {
	assert.Equal(t, 19700, mateToCentipawns(3))
	assert.Equal(t, -19700, mateToCentipawns(-3))
	assert.Equal(t, 19900, mateToCentipawns(1))
	// shorter mates must outrank longer ones
	assert.Greater(t, mateToCentipawns(2), mateToCentipawns(9))
	// any mate outranks any plausible centipawn score
	assert.Greater(t, mateToCentipawns(99), 9999)
}

func TestParseInfoLine(t *testing.T) {
	info := parseInfoLine("info depth 20 seldepth 28 multipv 1 score cp 35 nodes 1234567 nps 987654 time 1250 pv e2e4 e7e5 g1f3")
	require.NotNil(t, info)
	assert.True(t, info.hasDepth)
	assert.Equal(t, 20, info.depth)
	assert.Equal(t, 1, info.multiPV)
	assert.True(t, info.hasScore)
	assert.Equal(t, 35, info.score)
	assert.Nil(t, info.mate)
	assert.Equal(t, int64(1234567), info.nodes)
	assert.Equal(t, int64(987654), info.nps)
	assert.Equal(t, []string{"e2e4", "e7e5", "g1f3"}, info.pv)
	assert.True(t, info.mergeable())
}

func TestParseInfoLineMate(t *testing.T) {
	info := parseInfoLine("info depth 12 multipv 2 score mate -4 pv h7h8 g8h8")
	require.NotNil(t, info)
	require.NotNil(t, info.mate)
	assert.Equal(t, -4, *info.mate)
	assert.Equal(t, mateToCentipawns(-4), info.score)
}

func TestParseInfoLineNoise(t *testing.T) {
	// info string lines carry no structured payload
	info := parseInfoLine("info string NNUE evaluation using nn-abc.nnue enabled")
	require.NotNil(t, info)
	assert.False(t, info.mergeable())

	// currmove progress lines have depth but neither score nor pv
	info = parseInfoLine("info depth 18 currmove e2e4 currmovenumber 1")
	require.NotNil(t, info)
	assert.False(t, info.mergeable())

	assert.Nil(t, parseInfoLine("bestmove e2e4"))
}

func TestMergeKeepsHighestDepth(t *testing.T) {
	states := make(map[int]*lineState)

	require.True(t, merge(states, parseInfoLine("info depth 10 multipv 1 score cp 20 pv e2e4")))
	require.True(t, merge(states, parseInfoLine("info depth 14 multipv 1 score cp 42 pv d2d4 d7d5")))
	// stale lower-depth line must not regress the state
	require.False(t, merge(states, parseInfoLine("info depth 8 multipv 1 score cp -100 pv a2a3")))

	st := states[1]
	require.NotNil(t, st)
	assert.Equal(t, 14, st.depth)
	assert.Equal(t, 42, st.score)
	assert.Equal(t, []string{"d2d4", "d7d5"}, st.pv)
}

func TestMergeAccumulatesAcrossLines(t *testing.T) {
	states := make(map[int]*lineState)

	// score and pv can arrive on separate lines at the same depth
	require.True(t, merge(states, parseInfoLine("info depth 9 multipv 1 score cp 15 pv e2e4")))
	require.True(t, merge(states, parseInfoLine("info depth 9 multipv 1 nodes 5000 nps 100000 pv e2e4 c7c5")))

	st := states[1]
	assert.Equal(t, 15, st.score)
	assert.True(t, st.hasEval)
	assert.Equal(t, []string{"e2e4", "c7c5"}, st.pv)
	assert.Equal(t, int64(5000), st.nodes)
}

func TestMaterializeWhiteToMove(t *testing.T) {
	states := make(map[int]*lineState)
	merge(states, parseInfoLine("info depth 15 multipv 2 score cp -30 pv d2d4"))
	merge(states, parseInfoLine("info depth 15 multipv 1 score cp 55 pv e2e4 e7e5"))

	lines := materialize(states, true)
	require.Len(t, lines, 2)
	// sorted by multipv index, evaluations unchanged for White to move
	assert.Equal(t, 1, lines[0].MultiPVIndex)
	assert.Equal(t, 55, lines[0].Evaluation)
	assert.Equal(t, "e2e4", lines[0].BestMove)
	assert.Equal(t, 2, lines[1].MultiPVIndex)
	assert.Equal(t, -30, lines[1].Evaluation)
}

func TestMaterializeBlackToMove(t *testing.T) {
	states := make(map[int]*lineState)
	merge(states, parseInfoLine("info depth 15 multipv 1 score cp 80 pv e7e5"))
	merge(states, parseInfoLine("info depth 15 multipv 2 score mate 3 pv d8h4"))

	lines := materialize(states, false)
	require.Len(t, lines, 2)
	// engine scores are side-to-move-relative: +80 for Black is -80 for White
	assert.Equal(t, -80, lines[0].Evaluation)
	require.NotNil(t, lines[1].Mate)
	assert.Equal(t, -3, *lines[1].Mate)
	assert.Equal(t, -mateToCentipawns(3), lines[1].Evaluation)
}

func TestMaterializeDropsIncompleteLines(t *testing.T) {
	states := make(map[int]*lineState)
	merge(states, parseInfoLine("info depth 15 multipv 1 score cp 10 pv e2e4"))
	// index 2 never received a pv
	states[2] = &lineState{multiPV: 2, depth: 15, score: 5, hasEval: true}
	// index 3 never received a score
	states[3] = &lineState{multiPV: 3, depth: 15, pv: []string{"c2c4"}}

	lines := materialize(states, true)
	require.Len(t, lines, 1)
	assert.Equal(t, 1, lines[0].MultiPVIndex)
}

func TestWhiteToMove(t *testing.T) {
	assert.True(t, whiteToMove("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"))
	assert.False(t, whiteToMove("rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"))
	assert.True(t, whiteToMove("8/8/8/8/8/8/8/8"))
}
