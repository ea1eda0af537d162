package uci

import (
	"sort"
	"strconv"
	"strings"
)

// mateBase is the sentinel magnitude that separates mate scores from regular
// centipawn evaluations. A mate in m plies maps to
// ±(mateBase + 100*(100-|m|)) so that shorter mates compare as larger
// magnitudes and ordering against centipawn scores is preserved.
const mateBase = 10000

// mateToCentipawns converts a mate distance (positive: side to move mates)
// to its sentinel centipawn value.
func mateToCentipawns(matePlies int) int {
	m := matePlies
	if m < 0 {
		m = -m
	}
	v := mateBase + 100*(100-m)
	if matePlies < 0 {
		return -v
	}
	return v
}

// lineState accumulates partial info-line data for one multipv index. Fields
// arrive across several lines; the highest depth seen wins.
type lineState struct {
	depth   int
	multiPV int
	score   int
	mate    *int
	hasEval bool
	nodes   int64
	nps     int64
	timeMs  int64
	pv      []string
}

// infoLine is the parsed form of a single "info ..." line.
type infoLine struct {
	depth    int
	hasDepth bool
	multiPV  int
	hasPV    bool
	pv       []string
	score    int
	mate     *int
	hasScore bool
	nodes    int64
	nps      int64
	timeMs   int64
}

// mergeable reports whether the line carries enough context to be merged:
// depth and multipv plus either a score or a pv.
func (l *infoLine) mergeable() bool {
	return l.hasDepth && l.multiPV > 0 && (l.hasScore || l.hasPV)
}

// parseInfoLine parses a UCI "info" line. Returns nil for lines that carry
// none of the fields of interest (e.g. "info string ...").
func parseInfoLine(line string) *infoLine {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "info" {
		return nil
	}

	info := &infoLine{}
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 < len(fields) {
				if v, err := strconv.Atoi(fields[i+1]); err == nil {
					info.depth = v
					info.hasDepth = true
					i++
				}
			}
		case "multipv":
			if i+1 < len(fields) {
				if v, err := strconv.Atoi(fields[i+1]); err == nil {
					info.multiPV = v
					i++
				}
			}
		case "score":
			if i+2 < len(fields) {
				switch fields[i+1] {
				case "cp":
					if v, err := strconv.Atoi(fields[i+2]); err == nil {
						info.score = v
						info.hasScore = true
						i += 2
					}
				case "mate":
					if v, err := strconv.Atoi(fields[i+2]); err == nil {
						m := v
						info.mate = &m
						info.score = mateToCentipawns(v)
						info.hasScore = true
						i += 2
					}
				}
			}
		case "nodes":
			if i+1 < len(fields) {
				if v, err := strconv.ParseInt(fields[i+1], 10, 64); err == nil {
					info.nodes = v
					i++
				}
			}
		case "nps":
			if i+1 < len(fields) {
				if v, err := strconv.ParseInt(fields[i+1], 10, 64); err == nil {
					info.nps = v
					i++
				}
			}
		case "time":
			if i+1 < len(fields) {
				if v, err := strconv.ParseInt(fields[i+1], 10, 64); err == nil {
					info.timeMs = v
					i++
				}
			}
		case "pv":
			// pv consumes every remaining token
			if i+1 < len(fields) {
				info.pv = append([]string(nil), fields[i+1:]...)
				info.hasPV = true
			}
			i = len(fields)
		case "string":
			// free-form engine chatter, nothing structured follows
			return info
		}
	}
	return info
}

// merge folds a parsed info line into the per-index state map. Lines that
// are not mergeable, or that carry a lower depth than the stored state for
// their index, are ignored.
func merge(states map[int]*lineState, info *infoLine) bool {
	if info == nil || !info.mergeable() {
		return false
	}
	st, ok := states[info.multiPV]
	if ok && info.depth < st.depth {
		return false
	}
	if !ok {
		st = &lineState{multiPV: info.multiPV}
		states[info.multiPV] = st
	}
	st.depth = info.depth
	if info.hasScore {
		st.score = info.score
		st.mate = info.mate
		st.hasEval = true
	}
	if info.hasPV {
		st.pv = info.pv
	}
	if info.nodes > 0 {
		st.nodes = info.nodes
	}
	if info.nps > 0 {
		st.nps = info.nps
	}
	if info.timeMs > 0 {
		st.timeMs = info.timeMs
	}
	return true
}

// materialize converts the accumulated per-index states into sorted PVLines,
// dropping indexes that never received both a score and a pv. whiteToMove
// selects the sign normalization: engine scores are side-to-move-relative
// and the returned evaluations are White-relative.
func materialize(states map[int]*lineState, whiteToMove bool) []PVLine {
	lines := make([]PVLine, 0, len(states))
	for _, st := range states {
		if !st.hasEval || len(st.pv) == 0 {
			continue
		}
		eval := st.score
		mate := st.mate
		if !whiteToMove {
			eval = -eval
			if mate != nil {
				m := -*mate
				mate = &m
			}
		}
		lines = append(lines, PVLine{
			MultiPVIndex: st.multiPV,
			Evaluation:   eval,
			Mate:         mate,
			BestMove:     st.pv[0],
			PV:           append([]string(nil), st.pv...),
			Depth:        st.depth,
			Nodes:        st.nodes,
			NPS:          st.nps,
		})
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].MultiPVIndex < lines[j].MultiPVIndex
	})
	return lines
}

// whiteToMove reports whether the FEN's side-to-move field is White. A FEN
// missing the field defaults to White.
func whiteToMove(fen string) bool {
	fields := strings.Fields(fen)
	return len(fields) < 2 || fields[1] != "b"
}
