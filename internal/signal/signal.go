// Package signal standardizes payloads shared between data ingestion and strategy layers.
package signal

import (
	"fmt"
	"strings"
	"time"
)

// Side is the directional bias of a signal or position.
type Side int

const (
	// None means no trade for the session.
	None Side = iota
	// Long buys at entry and sells at exit.
	Long
	// Short sells at entry and buys back at exit.
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "NONE"
	}
}

// MarshalText encodes the side by name so ledgers stay readable.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses LONG, SHORT or NONE (case-insensitive).
func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "LONG":
		*s = Long
	case "SHORT":
		*s = Short
	case "NONE", "":
		*s = None
	default:
		return fmt.Errorf("unknown side %q", string(b))
	}
	return nil
}

// Tick is a single live price update for one broker security id.
type Tick struct {
	SecurityID string
	Price      float64
	High       *float64
	Low        *float64
	Volume     *int64
	Ts         time.Time
}

// Signal is the once-per-session directional call for a symbol.
type Signal struct {
	Symbol   string
	Side     Side
	RefPrice *float64 // entry reference; nil when Side is None
	Ts       time.Time
}

// HasPrice reports whether the signal carries an entry reference price.
func (s Signal) HasPrice() bool { return s.RefPrice != nil }
