package indexer

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/chess-escrow/internal/escrow"
)

type pgnHeader struct {
	Room   string
	White  string
	Black  string
	Winner escrow.Winner
	Reason escrow.Reason
	Date   time.Time
}

func resultToPGN(w escrow.Winner) string {
	switch w {
	case escrow.WinnerWhite:
		return "1-0"
	case escrow.WinnerBlack:
		return "0-1"
	case escrow.WinnerDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", "")
	return strings.ReplaceAll(s, "\"", "'")
}

// shortID keeps PGN player tags readable; identities are 64 hex chars.
func shortID(id string) string {
	if len(id) > 16 {
		return id[:8] + "…" + id[len(id)-8:]
	}
	return id
}

func buildPGN(h pgnHeader, moves []string) string {
	var b strings.Builder
	date := h.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	result := resultToPGN(h.Winner)
	b.WriteString("[Event \"Chess Escrow\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(h.Room)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(shortID(h.White))))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(shortID(h.Black))))
	if h.Reason != escrow.ReasonNone {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(string(h.Reason))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(moves); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(moves[i])))
		if i+1 < len(moves) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(moves[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}
