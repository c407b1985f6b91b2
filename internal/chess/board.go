// Package chess holds the game-session layer behind the MCP chess tools:
// a deliberately small board model, interchangeable move-selection engines,
// and a session manager that persists game state through the at-rest layer.
//
// The board is pseudo-legal only. Pieces move by their geometric patterns,
// castling hops the rook when the rights are intact and the path is clear,
// and pawns auto-promote, but there is no check detection: a game ends when
// a king is captured. That is the full extent of the rules the platform
// needs from this side of the wire.
package chess

import (
	"errors"
	"fmt"
	"strings"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrIllegalMove rejects a move that is well formed but not playable in
// the current position.
var ErrIllegalMove = errors.New("illegal move")

// Game status values reported to agents.
const (
	StatusActive    = "active"
	StatusWhiteWins = "white_wins"
	StatusBlackWins = "black_wins"
)

// move is a decoded UCI move. Squares index a1=0 .. h8=63 (file + 8*rank).
type move struct {
	from  int
	to    int
	promo byte
}

// Board tracks piece placement, the side to move and castling rights.
// It is not safe for concurrent use; GameSession serializes access.
type Board struct {
	squares   [64]byte
	whiteTurn bool
	gameOver  bool
	history   []string

	wkMoved  bool
	bkMoved  bool
	wrkMoved bool
	wrqMoved bool
	brkMoved bool
	brqMoved bool
}

// NewBoard returns the starting position.
func NewBoard() *Board {
	b, err := ParseFEN(StartFEN)
	if err != nil {
		panic(err) // the constant is well formed
	}
	return b
}

// ParseFEN builds a board from the placement, side-to-move and castling
// fields of a FEN string. The en passant square and move counters are
// accepted but not tracked.
func ParseFEN(fen string) (*Board, error) {
	fields := strings.Fields(fen)
	if len(fields) < 2 {
		return nil, fmt.Errorf("fen %q: need at least placement and side to move", fen)
	}

	b := &Board{
		wkMoved: true, bkMoved: true,
		wrkMoved: true, wrqMoved: true,
		brkMoved: true, brqMoved: true,
	}

	rows := strings.Split(fields[0], "/")
	if len(rows) != 8 {
		return nil, fmt.Errorf("fen %q: placement has %d ranks", fen, len(rows))
	}
	for i, row := range rows {
		rank := 7 - i
		file := 0
		for _, r := range row {
			switch {
			case r >= '1' && r <= '8':
				file += int(r - '0')
			case strings.ContainsRune("PNBRQKpnbrqk", r):
				if file > 7 {
					return nil, fmt.Errorf("fen %q: rank %d overflows", fen, rank+1)
				}
				b.squares[rank*8+file] = byte(r)
				file++
			default:
				return nil, fmt.Errorf("fen %q: bad piece %q", fen, r)
			}
		}
		if file != 8 {
			return nil, fmt.Errorf("fen %q: rank %d has %d files", fen, rank+1, file)
		}
	}

	switch fields[1] {
	case "w":
		b.whiteTurn = true
	case "b":
		b.whiteTurn = false
	default:
		return nil, fmt.Errorf("fen %q: bad side to move %q", fen, fields[1])
	}

	if len(fields) > 2 {
		for _, r := range fields[2] {
			switch r {
			case 'K':
				b.wkMoved, b.wrkMoved = false, false
			case 'Q':
				b.wkMoved, b.wrqMoved = false, false
			case 'k':
				b.bkMoved, b.brkMoved = false, false
			case 'q':
				b.bkMoved, b.brqMoved = false, false
			case '-':
			default:
				return nil, fmt.Errorf("fen %q: bad castling field %q", fen, fields[2])
			}
		}
	}
	return b, nil
}

// FEN renders the position. The en passant square and move counters are
// emitted as constants since the model does not track them.
func (b *Board) FEN() string {
	var sb strings.Builder
	for rank := 7; rank >= 0; rank-- {
		empty := 0
		for file := 0; file < 8; file++ {
			p := b.squares[rank*8+file]
			if p == 0 {
				empty++
				continue
			}
			if empty > 0 {
				sb.WriteByte(byte('0' + empty))
				empty = 0
			}
			sb.WriteByte(p)
		}
		if empty > 0 {
			sb.WriteByte(byte('0' + empty))
		}
		if rank > 0 {
			sb.WriteByte('/')
		}
	}

	if b.whiteTurn {
		sb.WriteString(" w ")
	} else {
		sb.WriteString(" b ")
	}

	castling := ""
	if !b.wkMoved && !b.wrkMoved {
		castling += "K"
	}
	if !b.wkMoved && !b.wrqMoved {
		castling += "Q"
	}
	if !b.bkMoved && !b.brkMoved {
		castling += "k"
	}
	if !b.bkMoved && !b.brqMoved {
		castling += "q"
	}
	if castling == "" {
		castling = "-"
	}
	sb.WriteString(castling)
	sb.WriteString(" - 0 1")
	return sb.String()
}

// Turn reports whose move it is as "white" or "black".
func (b *Board) Turn() string {
	if b.whiteTurn {
		return "white"
	}
	return "black"
}

// GameOver reports whether a king has been captured.
func (b *Board) GameOver() bool { return b.gameOver }

// Status reports the game outcome. After the winning capture the turn has
// already flipped to the loser, so the winner is the side not to move.
func (b *Board) Status() string {
	if !b.gameOver {
		return StatusActive
	}
	if b.whiteTurn {
		return StatusBlackWins
	}
	return StatusWhiteWins
}

// History returns the moves played so far in UCI notation.
func (b *Board) History() []string {
	out := make([]string, len(b.history))
	copy(out, b.history)
	return out
}

// Apply plays a UCI move for the side to move. It fails with a parse error
// for malformed input and ErrIllegalMove when the move is not in the
// position's pseudo-legal set.
func (b *Board) Apply(uci string) error {
	mv, err := parseMove(uci)
	if err != nil {
		return err
	}
	if !b.allowed(mv) {
		return fmt.Errorf("%s: %w", uci, ErrIllegalMove)
	}

	piece := b.squares[mv.from]
	captured := b.squares[mv.to]
	if captured == 'K' || captured == 'k' {
		b.gameOver = true
	}

	// Castling: the king travels two files and the rook hops over.
	if (piece == 'K' || piece == 'k') && abs(fileOf(mv.to)-fileOf(mv.from)) == 2 {
		rank := rankOf(mv.from) * 8
		if fileOf(mv.to) == 6 {
			b.squares[rank+5] = b.squares[rank+7]
			b.squares[rank+7] = 0
		} else {
			b.squares[rank+3] = b.squares[rank+0]
			b.squares[rank+0] = 0
		}
	}

	if promoted := b.promotion(piece, mv); promoted != 0 {
		b.squares[mv.to] = promoted
	} else {
		b.squares[mv.to] = piece
	}
	b.squares[mv.from] = 0
	b.updateCastlingRights(piece, mv.from)
	b.whiteTurn = !b.whiteTurn
	b.history = append(b.history, uci)
	return nil
}

// LegalMoves enumerates the pseudo-legal moves for the side to move in
// board-scan order (a1 toward h8).
func (b *Board) LegalMoves() []string {
	var out []string
	for from := 0; from < 64; from++ {
		p := b.squares[from]
		if p == 0 || isWhitePiece(p) != b.whiteTurn {
			continue
		}
		for _, to := range b.destinations(from) {
			out = append(out, formatMove(move{from: from, to: to}))
		}
	}
	return out
}

// allowed reports whether mv is pseudo-legal for the side to move.
func (b *Board) allowed(mv move) bool {
	p := b.squares[mv.from]
	if p == 0 || isWhitePiece(p) != b.whiteTurn {
		return false
	}
	for _, to := range b.destinations(mv.from) {
		if to == mv.to {
			return true
		}
	}
	return false
}

// destinations lists the target squares the piece on from may move to.
func (b *Board) destinations(from int) []int {
	p := b.squares[from]
	white := isWhitePiece(p)
	var out []int

	add := func(to int) {
		t := b.squares[to]
		if t == 0 || isWhitePiece(t) != white {
			out = append(out, to)
		}
	}
	slide := func(df, dr int) {
		f, r := fileOf(from)+df, rankOf(from)+dr
		for f >= 0 && f < 8 && r >= 0 && r < 8 {
			to := r*8 + f
			t := b.squares[to]
			if t == 0 {
				out = append(out, to)
			} else {
				if isWhitePiece(t) != white {
					out = append(out, to)
				}
				return
			}
			f += df
			r += dr
		}
	}
	step := func(df, dr int) {
		f, r := fileOf(from)+df, rankOf(from)+dr
		if f >= 0 && f < 8 && r >= 0 && r < 8 {
			add(r*8 + f)
		}
	}

	switch toUpper(p) {
	case 'P':
		dir, home := 1, 1
		if !white {
			dir, home = -1, 6
		}
		f, r := fileOf(from), rankOf(from)
		if r+dir >= 0 && r+dir < 8 && b.squares[(r+dir)*8+f] == 0 {
			out = append(out, (r+dir)*8+f)
			if r == home && b.squares[(r+2*dir)*8+f] == 0 {
				out = append(out, (r+2*dir)*8+f)
			}
		}
		for _, df := range []int{-1, 1} {
			cf, cr := f+df, r+dir
			if cf < 0 || cf > 7 || cr < 0 || cr > 7 {
				continue
			}
			t := b.squares[cr*8+cf]
			if t != 0 && isWhitePiece(t) != white {
				out = append(out, cr*8+cf)
			}
		}
	case 'N':
		for _, d := range [][2]int{{1, 2}, {2, 1}, {2, -1}, {1, -2}, {-1, -2}, {-2, -1}, {-2, 1}, {-1, 2}} {
			step(d[0], d[1])
		}
	case 'B':
		slide(1, 1)
		slide(1, -1)
		slide(-1, 1)
		slide(-1, -1)
	case 'R':
		slide(1, 0)
		slide(-1, 0)
		slide(0, 1)
		slide(0, -1)
	case 'Q':
		slide(1, 0)
		slide(-1, 0)
		slide(0, 1)
		slide(0, -1)
		slide(1, 1)
		slide(1, -1)
		slide(-1, 1)
		slide(-1, -1)
	case 'K':
		for df := -1; df <= 1; df++ {
			for dr := -1; dr <= 1; dr++ {
				if df != 0 || dr != 0 {
					step(df, dr)
				}
			}
		}
		out = append(out, b.castleDestinations(from, white)...)
	}
	return out
}

// castleDestinations adds the two-file king hops while the rights are
// intact and the path is empty. Attacks on the path are not checked.
func (b *Board) castleDestinations(from int, white bool) []int {
	var out []int
	rank := rankOf(from) * 8
	kingMoved, rkMoved, rqMoved := b.bkMoved, b.brkMoved, b.brqMoved
	if white {
		kingMoved, rkMoved, rqMoved = b.wkMoved, b.wrkMoved, b.wrqMoved
	}
	if kingMoved || fileOf(from) != 4 {
		return nil
	}
	if !rkMoved && b.squares[rank+5] == 0 && b.squares[rank+6] == 0 {
		out = append(out, rank+6)
	}
	if !rqMoved && b.squares[rank+1] == 0 && b.squares[rank+2] == 0 && b.squares[rank+3] == 0 {
		out = append(out, rank+2)
	}
	return out
}

// promotion returns the piece a pawn becomes on the last rank, or zero when
// the move is not a promotion. An explicit UCI suffix wins over the queen
// default.
func (b *Board) promotion(piece byte, mv move) byte {
	if piece == 'P' && rankOf(mv.to) == 7 {
		if mv.promo != 0 {
			return toUpper(mv.promo)
		}
		return 'Q'
	}
	if piece == 'p' && rankOf(mv.to) == 0 {
		if mv.promo != 0 {
			return toLower(mv.promo)
		}
		return 'q'
	}
	return 0
}

func (b *Board) updateCastlingRights(piece byte, from int) {
	switch piece {
	case 'K':
		b.wkMoved = true
	case 'k':
		b.bkMoved = true
	case 'R':
		if from == 0 {
			b.wrqMoved = true
		}
		if from == 7 {
			b.wrkMoved = true
		}
	case 'r':
		if from == 56 {
			b.brqMoved = true
		}
		if from == 63 {
			b.brkMoved = true
		}
	}
}

func parseMove(uci string) (move, error) {
	if len(uci) != 4 && len(uci) != 5 {
		return move{}, fmt.Errorf("move %q: want UCI like e2e4", uci)
	}
	from, ok1 := parseSquare(uci[0], uci[1])
	to, ok2 := parseSquare(uci[2], uci[3])
	if !ok1 || !ok2 {
		return move{}, fmt.Errorf("move %q: want UCI like e2e4", uci)
	}
	mv := move{from: from, to: to}
	if len(uci) == 5 {
		switch uci[4] {
		case 'q', 'r', 'b', 'n':
			mv.promo = uci[4]
		default:
			return move{}, fmt.Errorf("move %q: bad promotion piece %q", uci, uci[4])
		}
	}
	return mv, nil
}

func formatMove(mv move) string {
	out := []byte{
		byte('a' + fileOf(mv.from)), byte('1' + rankOf(mv.from)),
		byte('a' + fileOf(mv.to)), byte('1' + rankOf(mv.to)),
	}
	if mv.promo != 0 {
		out = append(out, mv.promo)
	}
	return string(out)
}

func parseSquare(file, rank byte) (int, bool) {
	if file < 'a' || file > 'h' || rank < '1' || rank > '8' {
		return 0, false
	}
	return int(rank-'1')*8 + int(file-'a'), true
}

func fileOf(sq int) int { return sq % 8 }
func rankOf(sq int) int { return sq / 8 }

func isWhitePiece(p byte) bool { return p >= 'A' && p <= 'Z' }

func toUpper(p byte) byte {
	if p >= 'a' && p <= 'z' {
		return p - 'a' + 'A'
	}
	return p
}

func toLower(p byte) byte {
	if p >= 'A' && p <= 'Z' {
		return p - 'A' + 'a'
	}
	return p
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
