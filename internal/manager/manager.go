// Package manager implements the upstream manager: the parent
// process's registry of potential and active per-feed senders. It
// forks exactly one child per feed on first subscription, reads the
// child's two-port handshake line, and reconciles child exits with
// the active-sender bookkeeping.
package manager

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dissemhub/mcastup/internal/cmdchan"
	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/vcircuit"
)

// PotentialSender is the static configuration for a feed the manager
// knows how to start a sender for, registered before any subscriber
// arrives.
type PotentialSender struct {
	Feed            product.Feed
	GroupHost       string
	GroupPort       int
	McastIface      string
	TTL             int
	ServerIface     string
	FMTPSubnet      string // CIDR for the sender's address pool, e.g. "10.1.0.0/24"
	StorePath       string
	Retention       time.Duration // <0 selects the library default
	BinaryPath      string        // path to the cmd/mcastupd binary
	VCLocalEndpoint vcircuit.Endpoint
	LogDest         string
	Verbose         bool
	Debug           bool
}

func (p PotentialSender) groupAddr() string {
	return fmt.Sprintf("%s:%d", p.GroupHost, p.GroupPort)
}

// ActiveSender is a running child process for a feed.
type ActiveSender struct {
	Potential   PotentialSender
	PID         int
	ServerPort  int
	CommandPort int
	cmd         *exec.Cmd
}

// GroupAddr is the multicast group address:port a subscriber joins.
func (a ActiveSender) GroupAddr() string { return a.Potential.groupAddr() }

// ServerAddr is the host:port of the active sender's repair server.
func (a ActiveSender) ServerAddr(host string) string {
	return fmt.Sprintf("%s:%d", host, a.ServerPort)
}

// SubscribeInfo is what Subscribe hands back: enough for a receiver to
// dial the now-running (or already-running) sender directly.
type SubscribeInfo struct {
	Feed       product.Feed
	GroupAddr  string
	ServerAddr string
}

// Manager owns the potential- and active-sender registries for every
// feed on this host. One Manager runs in the parent process.
type Manager struct {
	mu          sync.Mutex
	potentials  []PotentialSender
	activeBy    map[product.Feed]*ActiveSender
	activeByPID map[int]*ActiveSender
	host        string // where children are reachable, "127.0.0.1" for locally forked children
	log         zerolog.Logger
}

func New(log zerolog.Logger) *Manager {
	return &Manager{
		activeBy:    make(map[product.Feed]*ActiveSender),
		activeByPID: make(map[int]*ActiveSender),
		host:        "127.0.0.1",
		log:         log,
	}
}

// AddPotential registers p. It fails with Duplicate if p.Feed overlaps
// any already-registered feed's bits.
func (m *Manager) AddPotential(p PotentialSender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.potentials {
		if existing.Feed&p.Feed != 0 {
			return lderr.New(lderr.Duplicate, "manager.AddPotential", fmt.Errorf("feed %s overlaps registered feed %s", p.Feed, existing.Feed))
		}
	}
	m.potentials = append(m.potentials, p)
	return nil
}

// findPotential returns the one registered potential sender whose
// feed is a superset of feed, the sender a reduced subscription feed
// resolves against.
func (m *Manager) findPotential(feed product.Feed) (PotentialSender, bool) {
	for _, p := range m.potentials {
		if feed.IsSubsetOf(p.Feed) {
			return p, true
		}
	}
	return PotentialSender{}, false
}

// Subscribe ensures an active sender exists for feed, forking one if
// necessary, and returns enough addressing info for a receiver to dial
// it directly. NoEntry if no potential sender covers feed.
func (m *Manager) Subscribe(feed product.Feed) (SubscribeInfo, error) {
	m.mu.Lock()
	potential, ok := m.findPotential(feed)
	if !ok {
		m.mu.Unlock()
		return SubscribeInfo{}, lderr.New(lderr.NoEntry, "manager.Subscribe", fmt.Errorf("no potential sender registered for feed %s", feed))
	}
	if active, ok := m.activeBy[potential.Feed]; ok {
		m.mu.Unlock()
		return SubscribeInfo{Feed: potential.Feed, GroupAddr: active.GroupAddr(), ServerAddr: active.ServerAddr(m.host)}, nil
	}
	m.mu.Unlock()

	active, err := m.spawn(potential)
	if err != nil {
		return SubscribeInfo{}, err
	}
	return SubscribeInfo{Feed: potential.Feed, GroupAddr: active.GroupAddr(), ServerAddr: active.ServerAddr(m.host)}, nil
}

// spawn execs the sender binary for potential and reads its two-port
// handshake line. The spawned child is tracked until Terminated(pid)
// reports its exit.
func (m *Manager) spawn(potential PotentialSender) (*ActiveSender, error) {
	args := buildArgs(potential)
	cmd := exec.Command(potential.BinaryPath, args...)
	ep := potential.VCLocalEndpoint
	if ep.Switch != "" {
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("MCASTUP_VC_LOCAL=%s:%s:%s", ep.Switch, ep.Port, ep.VLAN))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, lderr.New(lderr.SystemError, "manager.spawn", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, lderr.New(lderr.SystemError, "manager.spawn", err)
	}

	serverPort, commandPort, err := readHandshake(stdout)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, lderr.New(lderr.SystemError, "manager.spawn", fmt.Errorf("handshake: %w", err))
	}

	active := &ActiveSender{
		Potential:   potential,
		PID:         cmd.Process.Pid,
		ServerPort:  serverPort,
		CommandPort: commandPort,
		cmd:         cmd,
	}

	m.mu.Lock()
	m.activeBy[potential.Feed] = active
	m.activeByPID[active.PID] = active
	m.mu.Unlock()

	go func() {
		cleanExit := cmd.Wait() == nil
		if !cleanExit {
			m.log.Warn().Int("pid", active.PID).Str("feed", potential.Feed.String()).Msg("manager: sender child exited uncleanly")
		}
		m.Terminated(active.PID)
	}()

	return active, nil
}

// buildArgs translates a PotentialSender into the sender child's
// command line.
func buildArgs(p PotentialSender) []string {
	args := []string{}
	if p.Feed != 0 {
		args = append(args, "-f", p.Feed.String())
	}
	if p.McastIface != "" {
		args = append(args, "-m", p.McastIface)
	}
	args = append(args, "-p", "0")
	args = append(args, "-q", p.StorePath)
	minutes := -1
	if p.Retention > 0 {
		minutes = int(p.Retention / time.Minute)
	}
	args = append(args, "-r", strconv.Itoa(minutes))
	if p.ServerIface != "" {
		args = append(args, "-s", p.ServerIface)
	}
	if p.TTL > 0 {
		args = append(args, "-t", strconv.Itoa(p.TTL))
	}
	args = append(args, "-l", p.LogDest)
	if p.Debug {
		args = append(args, "-x")
	} else if p.Verbose {
		args = append(args, "-v")
	}
	args = append(args, p.groupAddr(), p.FMTPSubnet)
	return args
}

// readHandshake parses the single "<serverPort> <commandPort>\n" line
// the child prints before entering its dispatch loop.
func readHandshake(r io.Reader) (int, int, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("malformed handshake line %q", line)
	}
	serverPort, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed server port in handshake: %w", err)
	}
	commandPort, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed command port in handshake: %w", err)
	}
	return serverPort, commandPort, nil
}

// Terminated removes the bookkeeping record for pid. Releasing any
// addresses the child had reserved remains the departing child's own
// teardown responsibility; an unclean exit is logged by spawn's reaper
// goroutine, and this performs no parent-side sweep.
func (m *Manager) Terminated(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.activeByPID[pid]
	if !ok {
		return
	}
	delete(m.activeByPID, pid)
	if m.activeBy[active.Potential.Feed] == active {
		delete(m.activeBy, active.Potential.Feed)
	}
}

// Unsubscribe relays address release to the active sender for feed via
// its command channel. A no-op if no active sender is tracked for
// feed, or if the remote reports the address wasn't reserved.
func (m *Manager) Unsubscribe(feed product.Feed, addr net.IP) {
	m.mu.Lock()
	active, ok := m.activeBy[feed]
	m.mu.Unlock()
	if !ok {
		return
	}
	client := cmdchan.NewClient(fmt.Sprintf("%s:%d", m.host, active.CommandPort))
	if err := client.Release(addr); err != nil {
		m.log.Debug().Err(err).Str("feed", feed.String()).Str("addr", addr.String()).Msg("manager: unsubscribe release was a no-op or failed")
	}
}

// Clear drops every potential- and active-sender record. Used in tests
// and on shutdown; it does not kill any tracked child process.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.potentials = nil
	m.activeBy = make(map[product.Feed]*ActiveSender)
	m.activeByPID = make(map[int]*ActiveSender)
}

// Active returns a snapshot of the active sender for feed, if any, for
// tests and operator tooling.
func (m *Manager) Active(feed product.Feed) (ActiveSender, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activeBy[feed]
	if !ok {
		return ActiveSender{}, false
	}
	return *a, true
}
