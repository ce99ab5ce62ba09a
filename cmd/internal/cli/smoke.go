package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relay/shared/chatstate"
	"relay/shared/client"
)

type smokeFlags struct {
	text    string
	timeout time.Duration
	verbose bool
}

func newSmokeCommand() *cobra.Command {
	var f smokeFlags

	cmd := &cobra.Command{
		Use:   "smoke <endpoint>...",
		Short: "Exchange a message between two throwaway users",
		Long: `Smoke connects two users through endpoint discovery, checks that
each sees the other online, sends a direct message from the first to the
second and waits for it to arrive. Exits non-zero on the first failed step.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newReport(cmd.OutOrStdout())
			r.title("Relay smoke test")
			return runSmoke(cmd.Context(), r, cmd.ErrOrStderr(), args, f)
		},
	}

	cmd.Flags().StringVar(&f.text, "text", "hello from relay smoke", "Message body to send")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "Per-step timeout")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Show client logs")
	return cmd
}

type smokePeer struct {
	c     *client.Client
	store *chatstate.Store
	sub   *client.Subscription
}

func (p *smokePeer) close() {
	p.sub.Close()
	_ = p.c.Close()
}

func runSmoke(ctx context.Context, r *report, logOut io.Writer, candidates []string, f smokeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	run := uuid.NewString()[:8]

	connect := func(name string) (*smokePeer, error) {
		c, err := client.New(client.Options{
			Candidates:     candidates,
			Identity:       client.Identity{UserID: "smoke-" + name + "-" + run, Username: name},
			AttemptTimeout: f.timeout,
			Logger:         quietLogger(logOut, f.verbose),
		})
		if err != nil {
			return nil, err
		}
		p := &smokePeer{c: c, store: chatstate.NewStore()}
		p.sub = c.Bind(p.store)

		cctx, cancel := context.WithTimeout(ctx, f.timeout*time.Duration(len(candidates)+1))
		defer cancel()
		if err := c.Connect(cctx); err != nil {
			p.close()
			return nil, err
		}
		r.pass("connect "+name, "endpoint="+c.Endpoint())
		return p, nil
	}

	alice, err := connect("alice")
	if err != nil {
		r.failed("connect alice", err)
		return err
	}
	defer alice.close()

	bob, err := connect("bob")
	if err != nil {
		r.failed("connect bob", err)
		return err
	}
	defer bob.close()

	aliceID, bobID := alice.c.Identity().UserID, bob.c.Identity().UserID

	if err := waitFor(ctx, alice.store, f.timeout, func(s chatstate.State) bool { return s.Online[bobID] }); err != nil {
		r.failed("presence", fmt.Errorf("alice never saw bob online: %w", err))
		return err
	}
	r.pass("presence", "alice sees bob online")

	sent, ok := alice.c.SendMessage(bobID, f.text)
	if !ok {
		err := errors.New("send rejected locally")
		r.failed("send", err)
		return err
	}

	delivered := func(s chatstate.State) bool {
		for _, m := range s.Messages[aliceID] {
			if m.ClientMsgID == sent.ClientMsgID && m.Status == chatstate.Confirmed {
				return true
			}
		}
		return false
	}
	if err := waitFor(ctx, bob.store, f.timeout, delivered); err != nil {
		r.failed("deliver", fmt.Errorf("bob never received the message: %w", err))
		return err
	}
	r.pass("deliver", "bob received "+sent.ClientMsgID)

	confirmed := func(s chatstate.State) bool {
		for _, m := range s.Messages[bobID] {
			if m.ClientMsgID == sent.ClientMsgID {
				return m.Status == chatstate.Confirmed
			}
		}
		return false
	}
	if err := waitFor(ctx, alice.store, f.timeout, confirmed); err != nil {
		r.failed("echo", fmt.Errorf("alice's copy was never confirmed: %w", err))
		return err
	}
	r.pass("echo", "alice's provisional copy confirmed")

	if conv, ok := bob.store.Snapshot().Conversation(aliceID); !ok || conv.UnreadCount != 1 {
		r.skip("unread", fmt.Sprintf("bob unread=%d", conv.UnreadCount))
	} else {
		r.pass("unread", "bob has 1 unread from "+conv.PeerName)
	}
	return nil
}

// waitFor blocks until cond holds on store's state or timeout elapses.
func waitFor(ctx context.Context, store *chatstate.Store, timeout time.Duration, cond func(chatstate.State) bool) error {
	changed := make(chan struct{}, 1)
	cancel := store.Subscribe(func(chatstate.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if cond(store.Snapshot()) {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return context.DeadlineExceeded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
