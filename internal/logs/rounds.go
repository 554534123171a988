package logs

import (
	"log/slog"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	reRound       = regexp.MustCompile(`\[(.*?Z)\s+.*?\]\s+.*?(?:Dag starting at round|Dag moved to round)\s+(\d+)`)
	reCertificate = regexp.MustCompile(`\[(.*?Z)\s+.*?\]\s+.*?Received certificate from network: round (\d+), origin: ([^\s,]+), digest:`)
	rePrimaryName = regexp.MustCompile(`^primary-(\d+)\.log$`)
)

// Certificate is the arrival of one origin's certificate, in milliseconds
// after the round started at the receiving node.
type Certificate struct {
	Origin  string
	DeltaMs float64
}

// Round is one DAG round as seen by one primary.
type Round struct {
	Node         int
	Number       int
	Start        string // raw timestamp of the round start
	Certificates []Certificate
}

// ParseRounds extracts the round timeline of one primary log. Rounds are
// returned ordered by round number; a later certificate from the same
// origin replaces the earlier one.
func ParseRounds(node int, log string) []Round {
	var rounds []Round
	index := map[int]int{}
	var certLines []string
	for _, line := range strings.Split(log, "\n") {
		if strings.Contains(line, "Received certificate") {
			certLines = append(certLines, line)
		}
		if !strings.Contains(line, "Dag starting at round") && !strings.Contains(line, "Dag moved to round") {
			continue
		}
		m := reRound.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		index[n] = len(rounds)
		rounds = append(rounds, Round{Node: node, Number: n, Start: m[1]})
	}

	for _, line := range certLines {
		m := reCertificate.FindStringSubmatch(line)
		if m == nil {
			slog.Debug("unparsed certificate line", "node", node, "line", excerpt(line, 100))
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		i, ok := index[n]
		if !ok {
			continue
		}
		cert := Certificate{Origin: m[3], DeltaMs: delta(m[1], rounds[i].Start)}
		certs := rounds[i].Certificates
		replaced := false
		for j := range certs {
			if certs[j].Origin == cert.Origin {
				certs[j] = cert
				replaced = true
				break
			}
		}
		if !replaced {
			rounds[i].Certificates = append(certs, cert)
		}
	}

	sort.SliceStable(rounds, func(a, b int) bool { return rounds[a].Number < rounds[b].Number })
	return rounds
}

func delta(at, start string) float64 {
	t, err := ToPosix(at)
	if err != nil {
		return 0
	}
	s, err := ToPosix(start)
	if err != nil {
		return 0
	}
	return math.Max(t-s, 0) * 1000
}

// RoundsFromBundle extracts the round timeline of every primary log whose
// name carries a node index.
func RoundsFromBundle(b *Bundle) []Round {
	var out []Round
	for _, f := range b.Primaries {
		m := rePrimaryName.FindStringSubmatch(filepath.Base(f.Name))
		if m == nil {
			continue
		}
		node, _ := strconv.Atoi(m[1])
		rounds := ParseRounds(node, f.Text)
		if len(rounds) == 0 {
			slog.Info("no round data", "node", node)
			continue
		}
		out = append(out, rounds...)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Node < out[b].Node })
	return out
}
