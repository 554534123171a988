package logs

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/corvohq/dagbench/internal/config"
)

var (
	reClientError  = regexp.MustCompile(`Error`)
	reClientSize   = regexp.MustCompile(`Transactions size: (\d+)`)
	reClientRate   = regexp.MustCompile(`Transactions rate: (\d+)`)
	reClientStart  = regexp.MustCompile(`\[(.*Z) .* Start `)
	reClientMiss   = regexp.MustCompile(`rate too high`)
	reClientSample = regexp.MustCompile(`\[(.*Z) .* sample transaction (\d+)`)

	rePrimaryPanic   = regexp.MustCompile(`(?:panicked|Error)`)
	rePrimaryCreated = regexp.MustCompile(`\[(.*Z) .* Created B\d+\([^ ]+\) -> ([^ ]+=)`)
	rePrimaryCommit  = regexp.MustCompile(`\[(.*Z) .* Committed B\d+\([^ ]+\) -> ([^ ]+=)`)

	reWorkerPanic  = regexp.MustCompile(`(?i)thread.*panicked|panicked at`)
	reWorkerSize   = regexp.MustCompile(`Batch ([^ ]+) contains (\d+) B`)
	reWorkerSample = regexp.MustCompile(`Batch ([^ ]+) contains sample tx (\d+)`)

	reBootedOn  = regexp.MustCompile(`booted on (\d+.\d+.\d+.\d+)`)
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|\+00:00)`)
)

// primaryMarkers are the node parameters every primary prints at boot, in
// the order they are reported.
var primaryMarkers = []struct {
	name string
	re   *regexp.Regexp
	set  func(*config.NodeParameters, int)
}{
	{"header size", regexp.MustCompile(`Header size .* (\d+)`), func(p *config.NodeParameters, v int) { p.HeaderSize = v }},
	{"max header delay", regexp.MustCompile(`Max header delay .* (\d+)`), func(p *config.NodeParameters, v int) { p.MaxHeaderDelay = v }},
	{"gc depth", regexp.MustCompile(`Garbage collection depth .* (\d+)`), func(p *config.NodeParameters, v int) { p.GCDepth = v }},
	{"sync retry delay", regexp.MustCompile(`Sync retry delay .* (\d+)`), func(p *config.NodeParameters, v int) { p.SyncRetryDelay = v }},
	{"sync retry nodes", regexp.MustCompile(`Sync retry nodes .* (\d+)`), func(p *config.NodeParameters, v int) { p.SyncRetryNodes = v }},
	{"batch size", regexp.MustCompile(`Batch size .* (\d+)`), func(p *config.NodeParameters, v int) { p.BatchSize = v }},
	{"max batch delay", regexp.MustCompile(`Max batch delay .* (\d+)`), func(p *config.NodeParameters, v int) { p.MaxBatchDelay = v }},
}

// ClientLog is what a load generator reports.
type ClientLog struct {
	Size    int
	Rate    int
	Start   float64
	Misses  int
	Samples map[uint64]float64 // sample tx id -> send time
}

// PrimaryLog is what a primary reports.
type PrimaryLog struct {
	Proposals map[string]float64 // digest -> earliest proposal time
	Commits   map[string]float64 // digest -> earliest commit time
	Config    config.NodeParameters
	IP        string
}

// WorkerLog is what a worker reports.
type WorkerLog struct {
	Sizes   map[string]int    // batch digest -> bytes
	Samples map[uint64]string // sample tx id -> batch digest
	IP      string
}

// ToPosix converts an ISO-8601 UTC timestamp, possibly surrounded by other
// log text, to POSIX seconds.
func ToPosix(s string) (float64, error) {
	if m := reTimestamp.FindString(s); m != "" {
		s = m
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9, nil
}

func posix(role, s string) (float64, error) {
	t, err := ToPosix(s)
	if err != nil {
		return 0, parseErr(ErrorCodeBadTimestamp, role, "bad timestamp %q: %v", s, err)
	}
	return t, nil
}

func atoi(role, s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, parseErr(ErrorCodeMissingMarker, role, "bad number %q", s)
	}
	return v, nil
}

func requireInt(role, what string, re *regexp.Regexp, log string, n int) (int, error) {
	m := re.FindStringSubmatch(log)
	if m == nil {
		return 0, parseErr(ErrorCodeMissingMarker, role, "could not find %s. Log content: %s", what, excerpt(log, n))
	}
	return atoi(role, m[1])
}

// ParseClient parses one client log.
func ParseClient(log string) (*ClientLog, error) {
	const role = "client"
	if strings.TrimSpace(log) == "" {
		return nil, parseErr(ErrorCodeEmptyLog, role, "log is empty; the process may not have started")
	}
	if reClientError.MatchString(log) {
		return nil, parseErr(ErrorCodePanicked, role, "client(s) panicked")
	}

	var (
		out = &ClientLog{Samples: map[uint64]float64{}}
		err error
	)
	if out.Size, err = requireInt(role, "transaction size", reClientSize, log, 200); err != nil {
		return nil, err
	}
	if out.Rate, err = requireInt(role, "transaction rate", reClientRate, log, 200); err != nil {
		return nil, err
	}
	m := reClientStart.FindStringSubmatch(log)
	if m == nil {
		return nil, parseErr(ErrorCodeMissingMarker, role, "could not find start time. Log content: %s", excerpt(log, 200))
	}
	if out.Start, err = posix(role, m[1]); err != nil {
		return nil, err
	}
	out.Misses = len(reClientMiss.FindAllStringIndex(log, -1))

	for _, m := range reClientSample.FindAllStringSubmatch(log, -1) {
		id, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return nil, parseErr(ErrorCodeMissingMarker, role, "bad sample id %q", m[2])
		}
		t, err := posix(role, m[1])
		if err != nil {
			return nil, err
		}
		out.Samples[id] = t
	}
	return out, nil
}

func digestEvents(role string, re *regexp.Regexp, log string) (map[string]float64, error) {
	matches := re.FindAllStringSubmatch(log, -1)
	events := make([]Event[string], 0, len(matches))
	for _, m := range matches {
		t, err := posix(role, m[1])
		if err != nil {
			return nil, err
		}
		events = append(events, Event[string]{Key: m[2], Time: t})
	}
	return FoldEarliest(events), nil
}

// ParsePrimary parses one primary log. All seven node parameter markers and
// the boot address are required.
func ParsePrimary(log string) (*PrimaryLog, error) {
	const role = "primary"
	if strings.TrimSpace(log) == "" {
		return nil, parseErr(ErrorCodeEmptyLog, role, "log is empty; the process may not have started")
	}
	if rePrimaryPanic.MatchString(log) {
		return nil, parseErr(ErrorCodePanicked, role, "primary(s) panicked")
	}

	out := &PrimaryLog{}
	var err error
	if out.Proposals, err = digestEvents(role, rePrimaryCreated, log); err != nil {
		return nil, err
	}
	if out.Commits, err = digestEvents(role, rePrimaryCommit, log); err != nil {
		return nil, err
	}
	for _, mk := range primaryMarkers {
		v, err := requireInt(role, mk.name, mk.re, log, 500)
		if err != nil {
			return nil, err
		}
		mk.set(&out.Config, v)
	}
	m := reBootedOn.FindStringSubmatch(log)
	if m == nil {
		return nil, parseErr(ErrorCodeMissingMarker, role, "could not find IP address. Log content: %s", excerpt(log, 500))
	}
	out.IP = m[1]
	return out, nil
}

// ParseWorker parses one worker log. Connection errors are expected noise;
// only panics fail the log.
func ParseWorker(log string) (*WorkerLog, error) {
	const role = "worker"
	if strings.TrimSpace(log) == "" {
		return nil, parseErr(ErrorCodeEmptyLog, role, "log is empty; the process may not have started")
	}
	if reWorkerPanic.MatchString(log) {
		return nil, parseErr(ErrorCodePanicked, role, "worker(s) panicked")
	}

	out := &WorkerLog{Sizes: map[string]int{}, Samples: map[uint64]string{}}
	for _, m := range reWorkerSize.FindAllStringSubmatch(log, -1) {
		v, err := atoi(role, m[2])
		if err != nil {
			return nil, err
		}
		out.Sizes[m[1]] = v
	}
	for _, m := range reWorkerSample.FindAllStringSubmatch(log, -1) {
		id, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return nil, parseErr(ErrorCodeMissingMarker, role, "bad sample id %q", m[2])
		}
		out.Samples[id] = m[1]
	}
	m := reBootedOn.FindStringSubmatch(log)
	if m == nil {
		return nil, parseErr(ErrorCodeMissingMarker, role, "could not find IP address. Log content: %s", excerpt(log, 500))
	}
	out.IP = m[1]
	return out, nil
}
