package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"intradaybot-go/internal/exchange"
	"intradaybot-go/internal/util"
)

// prompter asks one question per line. A blank or rejected answer keeps the
// current value.
type prompter struct {
	in  *bufio.Scanner
	out io.Writer
	eof bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewScanner(in), out: out}
}

func (p *prompter) ask(label string) string {
	fmt.Fprintf(p.out, "%s: ", label)
	if !p.in.Scan() {
		p.eof = true
		return ""
	}
	return strings.TrimSpace(p.in.Text())
}

func edit[T any](p *prompter, label, shown string, current T, parse func(string) (T, error)) T {
	answer := p.ask(fmt.Sprintf("%s [%s]", label, shown))
	if answer == "" {
		return current
	}
	v, err := parse(answer)
	if err != nil {
		fmt.Fprintf(p.out, "%v, keeping %s\n", err, shown)
		return current
	}
	return v
}

func parseAmount(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if d.IsNegative() {
		return 0, errors.New("must not be negative")
	}
	return d.InexactFloat64(), nil
}

// amount edits a non-negative money value.
func (p *prompter) amount(label string, current float64) float64 {
	return edit(p, label, strconv.FormatFloat(current, 'f', 2, 64), current, parseAmount)
}

// percent edits a value in (0, 100).
func (p *prompter) percent(label string, current float64) float64 {
	return edit(p, label, strconv.FormatFloat(current, 'f', 2, 64), current, func(s string) (float64, error) {
		v, err := parseAmount(s)
		if err == nil && (v == 0 || v >= 100) {
			err = errors.New("must be between 0 and 100")
		}
		return v, err
	})
}

func (p *prompter) count(label string, current int) int {
	return edit(p, label, strconv.Itoa(current), current, func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%q is not a whole number", s)
		}
		return n, nil
	})
}

// clock edits an HH:MM:SS time and stores it canonically.
func (p *prompter) clock(label, current string) string {
	return edit(p, label+" HH:MM:SS", current, current, func(s string) (string, error) {
		t, err := util.ParseTimeOfDay(s)
		if err != nil {
			return "", err
		}
		return t.String(), nil
	})
}

func (p *prompter) symbols(label string, current []string) []string {
	return edit(p, label, strings.Join(current, ","), current, func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if sym := exchange.NormalizeSymbol(part); sym != "" {
				out = append(out, sym)
			}
		}
		if len(out) == 0 {
			return nil, errors.New("no symbols given")
		}
		return out, nil
	})
}
