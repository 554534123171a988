package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/remote"
)

// Process patterns for pkill/pgrep. The bracketed first letter keeps the
// pattern from matching the shell that runs it.
const (
	PrimaryPattern = "[n]ode.*primary"
	WorkerPattern  = "[n]ode.*worker"
	ClientPattern  = "[b]enchmark_client"
)

func verbosity(debug bool) string {
	if debug {
		return "-vvv"
	}
	return "-vv"
}

// GenerateKeys creates a node key file.
func GenerateKeys(file string) string {
	return "./node generate_keys --filename " + file
}

func RunPrimary(keys, committee, store, parameters string, debug bool) string {
	return fmt.Sprintf("./node %s run --keys %s --committee %s --store %s --parameters %s primary",
		verbosity(debug), keys, committee, store, parameters)
}

func RunWorker(keys, committee, store, parameters string, id int, debug bool) string {
	return fmt.Sprintf("./node %s run --keys %s --committee %s --store %s --parameters %s worker --id %d",
		verbosity(debug), keys, committee, store, parameters, id)
}

// RunClient starts a load generator sending to address. nodes lists every
// worker transactions address; the client waits for all of them.
func RunClient(address string, size, rate int, nodes []string) string {
	return fmt.Sprintf("./benchmark_client %s --size %d --rate %d --nodes %s",
		address, size, rate, strings.Join(nodes, " "))
}

// KillProcesses terminates every benchmark role on a host.
func KillProcesses() string {
	return strings.Join([]string{
		"pkill -9 -f " + remote.ShellQuote(PrimaryPattern),
		"pkill -9 -f " + remote.ShellQuote(WorkerPattern),
		"pkill -9 -f " + remote.ShellQuote(ClientPattern),
		"true",
	}, " ; ")
}

// FreePort force-frees a TCP port. lsof is the fallback where fuser is
// missing.
func FreePort(port int) string {
	p := strconv.Itoa(port)
	return "(fuser -k " + p + "/tcp >/dev/null 2>&1 || lsof -ti tcp:" + p + " | xargs -r kill -9 >/dev/null 2>&1 || true)"
}

func CleanStorage() string {
	return "rm -rf .db-*"
}

func CleanLogs() string {
	return "rm -rf " + LogsDir + " ; mkdir -p " + LogsDir
}

// InRepo prefixes command with a cd into the checkout. The command still
// runs when the checkout is missing so cleanup stays idempotent.
func InRepo(repo, command string) string {
	return "cd " + remote.ShellQuote(repo) + " 2>/dev/null ; " + command
}

// AttackFile is the source file holding the network-interrupt toggle.
func AttackFile(repo string) string {
	return repo + "/adversary/src/attack.rs"
}

// SetAttack rewrites the network-interrupt toggle. The command exits 3 when
// the source file is missing.
func SetAttack(repo string, enabled bool) string {
	v := strconv.FormatBool(enabled)
	file := remote.ShellQuote(AttackFile(repo))
	sed := "sed -i 's/TRIGGER_NETWORK_INTERRUPT: bool = true/TRIGGER_NETWORK_INTERRUPT: bool = " + v +
		"/; s/TRIGGER_NETWORK_INTERRUPT: bool = false/TRIGGER_NETWORK_INTERRUPT: bool = " + v + "/' " + file
	return "if test -f " + file + "; then " + sed + "; else exit 3; fi"
}

// AttackFileMissing is the exit code of SetAttack when the file is absent.
const AttackFileMissing = 3

// Update pulls the configured branch and rebuilds the release binaries.
func Update(repo config.Repo) string {
	return strings.Join([]string{
		"cd " + remote.ShellQuote(repo.Name),
		"git fetch -f",
		"git checkout -f " + remote.ShellQuote(repo.Branch),
		"git pull -f",
		`{ . "$HOME/.cargo/env" 2>/dev/null || export PATH="$HOME/.cargo/bin:$PATH"; }`,
		"cargo build --release --features benchmark",
		"ln -sf target/release/node node",
		"ln -sf target/release/benchmark_client benchmark_client",
	}, " && ")
}

// Install provisions the toolchain and clones the repository.
func Install(repo config.Repo) string {
	return strings.Join([]string{
		"sudo apt-get update",
		"sudo apt-get -y upgrade",
		"sudo apt-get -y autoremove",
		"sudo apt-get -y install build-essential cmake clang",
		`curl --proto "=https" --tlsv1.2 -sSf https://sh.rustup.rs | sh -s -- -y`,
		"source $HOME/.cargo/env",
		"rustup default stable",
		`(grep -q cargo/bin $HOME/.bashrc || echo 'export PATH=$HOME/.cargo/bin:$PATH' >> $HOME/.bashrc)`,
		`(grep -q cargo/bin $HOME/.profile || echo 'export PATH=$HOME/.cargo/bin:$PATH' >> $HOME/.profile)`,
		"(git clone " + remote.ShellQuote(repo.URL) + " || (cd " + remote.ShellQuote(repo.Name) + " ; git pull))",
	}, " && ")
}

// StatusProbe prints one "role=count" line per role.
func StatusProbe() string {
	return strings.Join([]string{
		`echo "primary=$(pgrep -f ` + remote.ShellQuote(PrimaryPattern) + ` | wc -l)"`,
		`echo "worker=$(pgrep -f ` + remote.ShellQuote(WorkerPattern) + ` | wc -l)"`,
		`echo "client=$(pgrep -f ` + remote.ShellQuote(ClientPattern) + ` | wc -l)"`,
	}, " ; ")
}

// CountLines counts lines containing needle in a remote file.
func CountLines(file, needle string) string {
	return "grep -c " + remote.ShellQuote(needle) + " " + remote.ShellQuote(file) + " 2>/dev/null || true"
}
