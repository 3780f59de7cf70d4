package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
)

// Client calls ProcessService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to address and waits, retrying with exponential backoff for
// up to maxWait, until the kernel answers SystemStatus. A non-positive
// maxWait waits up to ten seconds.
func Dial(ctx context.Context, address string, maxWait time.Duration) (*Client, error) {
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	c := &Client{conn: conn}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = maxWait
	err = backoff.Retry(func() error {
		_, err := c.SystemStatus(ctx)
		if status.Code(err) == codes.Unavailable {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("kernel at %s not reachable: %w", address, err)
	}
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method with req and returns the decoded response.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	if req == nil {
		req = map[string]any{}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Kill marks pid killed.
func (c *Client) Kill(ctx context.Context, pid int) error {
	_, err := c.Call(ctx, MethodKill, map[string]any{"pid": pid})
	return err
}

// TransferQueue moves pid into queue and returns the queue it left.
func (c *Client) TransferQueue(ctx context.Context, pid int, queue kernel.QueueType) (string, error) {
	resp, err := c.Call(ctx, MethodTransferQueue, map[string]any{"pid": pid, "queue": int(queue)})
	if err != nil {
		return "", err
	}
	from, _ := resp["from"].(string)
	return from, nil
}

// SetProcessRankParams replaces the rank ratios of pid.
func (c *Client) SetProcessRankParams(ctx context.Context, pid int, r kernel.RankRatios) error {
	req := ratiosToMap(r)
	req["pid"] = pid
	_, err := c.Call(ctx, MethodSetProcessRankParams, req)
	return err
}

// SetSystemRankParams replaces the rank ratios of every slot.
func (c *Client) SetSystemRankParams(ctx context.Context, r kernel.RankRatios) error {
	_, err := c.Call(ctx, MethodSetSystemRankParams, ratiosToMap(r))
	return err
}

// SetProcessPriority sets the BJF priority of pid.
func (c *Client) SetProcessPriority(ctx context.Context, pid, priority int) error {
	_, err := c.Call(ctx, MethodSetProcessPriority, map[string]any{"pid": pid, "priority": priority})
	return err
}

// DumpTable returns the rendered process table.
func (c *Client) DumpTable(ctx context.Context) (string, error) {
	resp, err := c.Call(ctx, MethodDumpTable, nil)
	if err != nil {
		return "", err
	}
	table, _ := resp["table"].(string)
	return table, nil
}

// UncleCount returns the sibling count of pid's parent, or -1.
func (c *Client) UncleCount(ctx context.Context, pid int) (int, error) {
	resp, err := c.Call(ctx, MethodUncleCount, map[string]any{"pid": pid})
	if err != nil {
		return 0, err
	}
	n, _ := resp["uncles"].(float64)
	return int(n), nil
}

// ProcessLifetime returns how many hundreds of ticks pid has existed, or -1.
func (c *Client) ProcessLifetime(ctx context.Context, pid int) (int, error) {
	resp, err := c.Call(ctx, MethodProcessLifetime, map[string]any{"pid": pid})
	if err != nil {
		return 0, err
	}
	n, _ := resp["lifetime"].(float64)
	return int(n), nil
}

// WakeProcess makes pid runnable.
func (c *Client) WakeProcess(ctx context.Context, pid int) error {
	_, err := c.Call(ctx, MethodWakeProcess, map[string]any{"pid": pid})
	return err
}

// ListProcesses returns every live process as a decoded map.
func (c *Client) ListProcesses(ctx context.Context) ([]map[string]any, error) {
	resp, err := c.Call(ctx, MethodListProcesses, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := resp["processes"].([]any)
	procs := make([]map[string]any, 0, len(raw))
	for _, p := range raw {
		if m, ok := p.(map[string]any); ok {
			procs = append(procs, m)
		}
	}
	return procs, nil
}

// SystemStatus returns the kernel's status summary.
func (c *Client) SystemStatus(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodSystemStatus, nil)
}

func ratiosToMap(r kernel.RankRatios) map[string]any {
	return map[string]any{
		"priority_ratio":       r.Priority,
		"arrival_time_ratio":   r.ArrivalTime,
		"executed_cycle_ratio": r.ExecutedCycles,
		"process_size_ratio":   r.ProcessSize,
	}
}
