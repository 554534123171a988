package committee

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Worker holds the addresses of one worker of an authority.
type Worker struct {
	ID              int
	PrimaryToWorker string
	Transactions    string
	WorkerToWorker  string
}

// NewWorker validates and builds a Worker.
func NewWorker(id int, primaryToWorker, transactions, workerToWorker string) (Worker, error) {
	if id < 0 {
		return Worker{}, fmt.Errorf("worker id must be >= 0, got %d", id)
	}
	for name, addr := range map[string]string{
		"primary_to_worker": primaryToWorker,
		"transactions":      transactions,
		"worker_to_worker":  workerToWorker,
	} {
		if err := checkAddress(addr); err != nil {
			return Worker{}, fmt.Errorf("worker %d %s: %w", id, name, err)
		}
	}
	return Worker{ID: id, PrimaryToWorker: primaryToWorker, Transactions: transactions, WorkerToWorker: workerToWorker}, nil
}

// Authority is one node identity with its primary and worker addresses.
type Authority struct {
	Name             string
	PrimaryToPrimary string
	WorkerToPrimary  string
	Workers          []Worker
}

// NewAuthority validates and builds an Authority. An authority needs a name,
// both primary addresses and at least one worker.
func NewAuthority(name, primaryToPrimary, workerToPrimary string, workers []Worker) (Authority, error) {
	if strings.TrimSpace(name) == "" {
		return Authority{}, fmt.Errorf("authority name is required")
	}
	if err := checkAddress(primaryToPrimary); err != nil {
		return Authority{}, fmt.Errorf("authority %s primary_to_primary: %w", name, err)
	}
	if err := checkAddress(workerToPrimary); err != nil {
		return Authority{}, fmt.Errorf("authority %s worker_to_primary: %w", name, err)
	}
	if len(workers) == 0 {
		return Authority{}, fmt.Errorf("authority %s has no workers", name)
	}
	return Authority{
		Name:             name,
		PrimaryToPrimary: primaryToPrimary,
		WorkerToPrimary:  workerToPrimary,
		Workers:          append([]Worker(nil), workers...),
	}, nil
}

// Addresses lists every address owned by the authority, primary first.
func (a Authority) Addresses() []string {
	out := []string{a.PrimaryToPrimary, a.WorkerToPrimary}
	for _, w := range a.Workers {
		out = append(out, w.PrimaryToWorker, w.Transactions, w.WorkerToWorker)
	}
	return out
}

func checkAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid address %q: missing host", addr)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("invalid address %q: bad port", addr)
	}
	return nil
}

// WorkerAddress is the transactions address of a worker, used by clients.
type WorkerAddress struct {
	ID      int
	Address string
}

// Committee is the ordered assignment of addresses to node identities for one
// run.
type Committee struct {
	authorities []Authority
}

// New builds a committee. hosts[i] holds the host of node i's primary
// followed by the host of each of its workers. Ports are allocated
// contiguously from basePort: two per primary, three per worker.
func New(names []string, hosts [][]string, basePort int) (*Committee, error) {
	if len(names) != len(hosts) {
		return nil, fmt.Errorf("committee: %d names but %d host lists", len(names), len(hosts))
	}
	if basePort <= 0 {
		return nil, fmt.Errorf("committee: invalid base port %d", basePort)
	}
	port := basePort
	addr := func(host string, p int) string { return net.JoinHostPort(host, strconv.Itoa(p)) }

	c := &Committee{authorities: make([]Authority, 0, len(names))}
	for i, name := range names {
		if len(hosts[i]) < 2 {
			return nil, fmt.Errorf("committee: node %d needs a primary host and at least one worker host", i)
		}
		primary := hosts[i][0]
		p2p, w2p := addr(primary, port), addr(primary, port+1)
		port += 2

		workers := make([]Worker, 0, len(hosts[i])-1)
		for j, h := range hosts[i][1:] {
			w, err := NewWorker(j, addr(h, port), addr(h, port+1), addr(h, port+2))
			if err != nil {
				return nil, fmt.Errorf("committee: %w", err)
			}
			workers = append(workers, w)
			port += 3
		}
		a, err := NewAuthority(name, p2p, w2p, workers)
		if err != nil {
			return nil, fmt.Errorf("committee: %w", err)
		}
		c.authorities = append(c.authorities, a)
	}
	return c, nil
}

// Size is the number of authorities.
func (c *Committee) Size() int {
	return len(c.authorities)
}

// Workers is the number of workers per authority.
func (c *Committee) Workers() int {
	if len(c.authorities) == 0 {
		return 0
	}
	return len(c.authorities[0].Workers)
}

// TotalWorkers counts the workers of every authority, faulty ones included.
func (c *Committee) TotalWorkers() int {
	n := 0
	for _, a := range c.authorities {
		n += len(a.Workers)
	}
	return n
}

// Authorities returns a copy of the ordered authorities.
func (c *Committee) Authorities() []Authority {
	return append([]Authority(nil), c.authorities...)
}

func (c *Committee) honest(faults int) []Authority {
	n := len(c.authorities) - faults
	if n < 0 {
		n = 0
	}
	return c.authorities[:n]
}

// PrimaryAddresses returns the primary-to-primary address of every
// non-faulty authority. Faulty authorities are the trailing ones.
func (c *Committee) PrimaryAddresses(faults int) []string {
	out := []string{}
	for _, a := range c.honest(faults) {
		out = append(out, a.PrimaryToPrimary)
	}
	return out
}

// WorkersAddresses returns, per non-faulty authority, the transactions
// address of each worker.
func (c *Committee) WorkersAddresses(faults int) [][]WorkerAddress {
	out := [][]WorkerAddress{}
	for _, a := range c.honest(faults) {
		addrs := make([]WorkerAddress, 0, len(a.Workers))
		for _, w := range a.Workers {
			addrs = append(addrs, WorkerAddress{ID: w.ID, Address: w.Transactions})
		}
		out = append(out, addrs)
	}
	return out
}

// Addresses returns every address owned by the non-faulty authorities.
func (c *Committee) Addresses(faults int) []string {
	out := []string{}
	for _, a := range c.honest(faults) {
		out = append(out, a.Addresses()...)
	}
	return out
}

// Truncate returns a sub-committee with the first n authorities. Members are
// only ever dropped from the tail.
func (c *Committee) Truncate(n int) (*Committee, error) {
	if n < 1 || n > len(c.authorities) {
		return nil, fmt.Errorf("committee: cannot truncate %d authorities to %d", len(c.authorities), n)
	}
	return &Committee{authorities: append([]Authority(nil), c.authorities[:n]...)}, nil
}

// MarshalJSON writes the committee file format, keeping authority order.
func (c *Committee) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"authorities":{`)
	for i, a := range c.authorities {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(a.Name)
		buf.Write(name)
		buf.WriteString(`:{"stake":1,"primary":`)
		primary, err := json.Marshal(map[string]string{
			"primary_to_primary": a.PrimaryToPrimary,
			"worker_to_primary":  a.WorkerToPrimary,
		})
		if err != nil {
			return nil, err
		}
		buf.Write(primary)
		buf.WriteString(`,"workers":{`)
		for j, w := range a.Workers {
			if j > 0 {
				buf.WriteByte(',')
			}
			worker, err := json.Marshal(map[string]string{
				"primary_to_worker": w.PrimaryToWorker,
				"transactions":      w.Transactions,
				"worker_to_worker":  w.WorkerToWorker,
			})
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, `"%d":`, w.ID)
			buf.Write(worker)
		}
		buf.WriteString(`}}`)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

// Save writes the committee file.
func (c *Committee) Save(path string) error {
	b, err := c.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode committee: %w", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, b, "", "    "); err != nil {
		return fmt.Errorf("indent committee: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create committee dir: %w", err)
		}
	}
	return os.WriteFile(path, pretty.Bytes(), 0o644)
}

// IP returns the host part of an "ip:port" address.
func IP(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}

// Port returns the port of an "ip:port" address, or 0 when there is none.
func Port(address string) int {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}
