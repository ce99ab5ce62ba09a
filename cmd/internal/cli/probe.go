package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relay/shared/client"
	v1 "relay/shared/contracts/realtime/v1"
)

type probeFlags struct {
	user    string
	timeout time.Duration
	verbose bool
	logOut  io.Writer
}

type probeResult struct {
	Endpoint string
	Latency  time.Duration
	Online   int
	Err      error
}

func newProbeCommand() *cobra.Command {
	var f probeFlags

	cmd := &cobra.Command{
		Use:   "probe <endpoint>...",
		Short: "Check which relay endpoints accept a session",
		Long: `Probe joins each endpoint in turn as a throwaway user and reports
whether the handshake completed, how long it took and how many users the
presence snapshot listed. Endpoints may be host:port or ws(s)/http(s) URLs.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newReport(cmd.OutOrStdout())
			r.title("Relay endpoint probe")
			f.logOut = cmd.ErrOrStderr()

			reachable := 0
			for _, res := range probeEndpoints(cmd.Context(), args, f) {
				if res.Err != nil {
					r.failed(res.Endpoint, res.Err)
					continue
				}
				reachable++
				r.pass(res.Endpoint, fmt.Sprintf("handshake=%s online=%d", res.Latency.Round(time.Millisecond), res.Online))
			}
			if reachable == 0 {
				return errors.New("no endpoint reachable")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.user, "user", "", "User id to join as (default: random probe id)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "Per-endpoint handshake timeout")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Show client logs")
	return cmd
}

// probeEndpoints tries every endpoint independently. Unlike discovery it
// does not stop at the first success.
func probeEndpoints(ctx context.Context, endpoints []string, f probeFlags) []probeResult {
	if ctx == nil {
		ctx = context.Background()
	}
	user := f.user
	if user == "" {
		user = "probe-" + uuid.NewString()[:8]
	}

	out := make([]probeResult, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, probeOne(ctx, ep, user, f))
	}
	return out
}

func probeOne(ctx context.Context, endpoint, user string, f probeFlags) probeResult {
	res := probeResult{Endpoint: endpoint}

	c, err := client.New(client.Options{
		Candidates:     []string{endpoint},
		Identity:       client.Identity{UserID: user},
		AttemptTimeout: f.timeout,
		Logger:         quietLogger(f.logOut, f.verbose),
	})
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = c.Close() }()

	online := make(chan int, 1)
	sub := c.On(v1.TypeUserStatus, func(env v1.Envelope) {
		var p v1.UserStatusPayload
		if env.Decode(&p) != nil || !p.IsSnapshot() {
			return
		}
		select {
		case online <- len(p.Online):
		default:
		}
	})
	defer sub.Close()

	start := time.Now()
	if err := c.Connect(ctx); err != nil {
		res.Err = err
		return res
	}
	res.Latency = time.Since(start)

	// The snapshot is replayed during install, so it is already queued.
	select {
	case res.Online = <-online:
	default:
	}
	return res
}
