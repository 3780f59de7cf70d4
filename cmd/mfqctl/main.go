// mfqctl controls a running MFQ kernel over gRPC.
//
// Usage:
//
//	mfqctl [-addr host:port] [-timeout 5s] <command> [args]
//
// Commands:
//
//	ps                               list live processes
//	dump                             print the scheduling table
//	status                           print system status as JSON
//	kill <pid>                       mark a process killed
//	wake <pid>                       make a sleeping process runnable
//	transfer <pid> <rr|lcfs|bjf>     move a process to another queue
//	priority <pid> <n>               set a process's BJF priority
//	rank <pid> <prio> <arrival> <exec> <size>
//	                                 set a process's rank ratios
//	sysrank <prio> <arrival> <exec> <size>
//	                                 set every process's rank ratios
//	uncle <pid>                      count the siblings of pid's parent
//	lifetime <pid>                   hundreds of ticks since pid was created, or -1
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/grpc"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/typeutil"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "mfqctl: %v\nrun 'mfqctl -h' for usage\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "mfqctl: %v\n", err)
		os.Exit(1)
	}
}

// command runs one subcommand against a connected client.
type command struct {
	nargs int
	usage string
	run   func(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error
}

var commands = map[string]command{
	"ps":       {0, "ps", runPS},
	"dump":     {0, "dump", runDump},
	"status":   {0, "status", runStatus},
	"kill":     {1, "kill <pid>", runKill},
	"wake":     {1, "wake <pid>", runWake},
	"transfer": {2, "transfer <pid> <queue>", runTransfer},
	"priority": {2, "priority <pid> <n>", runPriority},
	"rank":     {5, "rank <pid> <prio> <arrival> <exec> <size>", runRank},
	"sysrank":  {4, "sysrank <prio> <arrival> <exec> <size>", runSysRank},
	"uncle":    {1, "uncle <pid>", runUncle},
	"lifetime": {1, "lifetime <pid>", runLifetime},
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mfqctl", flag.ContinueOnError)
	fs.SetOutput(out)
	addr := fs.String("addr", "localhost:50051", "kernel gRPC address")
	timeout := fs.Duration("timeout", 5*time.Second, "per-command timeout")
	wait := fs.Duration("wait", 5*time.Second, "how long to wait for the kernel to come up")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	if len(rest) != cmd.nargs {
		return fmt.Errorf("%w: mfqctl %s", errUsage, cmd.usage)
	}

	client, err := grpc.Dial(context.Background(), *addr, *wait)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return cmd.run(ctx, client, rest, out)
}

// =============================================================================
// COMMANDS
// =============================================================================

func runPS(ctx context.Context, c *grpc.Client, _ []string, out io.Writer) error {
	procs, err := c.ListProcesses(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("pid", "ppid", "name", "state", "queue", "cpu", "size", "rank")
	for _, p := range procs {
		row := []string{
			strconv.Itoa(typeutil.SafeIntDefault(p["pid"], 0)),
			strconv.Itoa(typeutil.SafeIntDefault(p["parent_pid"], 0)),
			typeutil.SafeStringDefault(p["name"], ""),
			typeutil.SafeStringDefault(p["state"], ""),
			typeutil.SafeStringDefault(p["queue"], ""),
			strconv.Itoa(typeutil.SafeIntDefault(p["cpu"], 0)),
			strconv.Itoa(typeutil.SafeIntDefault(p["size"], 0)),
			strconv.FormatFloat(typeutil.SafeFloat64Default(p["rank"], 0), 'f', 1, 64),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func runDump(ctx context.Context, c *grpc.Client, _ []string, out io.Writer) error {
	table, err := c.DumpTable(ctx)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, table)
	return err
}

func runStatus(ctx context.Context, c *grpc.Client, _ []string, out io.Writer) error {
	status, err := c.SystemStatus(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func runKill(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	if err := c.Kill(ctx, pid); err != nil {
		return err
	}
	fmt.Fprintf(out, "killed %d\n", pid)
	return nil
}

func runWake(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	if err := c.WakeProcess(ctx, pid); err != nil {
		return err
	}
	fmt.Fprintf(out, "woke %d\n", pid)
	return nil
}

func runTransfer(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	q, err := kernel.ParseQueueType(args[1])
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	from, err := c.TransferQueue(ctx, pid, q)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d: %s -> %s\n", pid, from, q)
	return nil
}

func runPriority(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	priority, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: priority %q is not a number", errUsage, args[1])
	}
	if err := c.SetProcessPriority(ctx, pid, priority); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d: priority %d\n", pid, priority)
	return nil
}

func runRank(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	ratios, err := parseRatios(args[1:])
	if err != nil {
		return err
	}
	if err := c.SetProcessRankParams(ctx, pid, ratios); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d: ratios updated\n", pid)
	return nil
}

func runSysRank(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error {
	ratios, err := parseRatios(args)
	if err != nil {
		return err
	}
	if err := c.SetSystemRankParams(ctx, ratios); err != nil {
		return err
	}
	fmt.Fprintln(out, "system ratios updated")
	return nil
}

func runUncle(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	n, err := c.UncleCount(ctx, pid)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, n)
	return nil
}

func runLifetime(ctx context.Context, c *grpc.Client, args []string, out io.Writer) error {
	pid, err := parsePID(args[0])
	if err != nil {
		return err
	}
	n, err := c.ProcessLifetime(ctx, pid)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, n)
	return nil
}

// =============================================================================
// ARGUMENTS
// =============================================================================

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: pid %q must be a positive number", errUsage, s)
	}
	return pid, nil
}

func parseRatios(args []string) (kernel.RankRatios, error) {
	vals := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return kernel.RankRatios{}, fmt.Errorf("%w: ratio %q is not a number", errUsage, a)
		}
		vals[i] = v
	}
	return kernel.RankRatios{
		Priority:       vals[0],
		ArrivalTime:    vals[1],
		ExecutedCycles: vals[2],
		ProcessSize:    vals[3],
	}, nil
}
