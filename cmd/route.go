package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/baaaht/dispatch/internal/lifecycle"
	"github.com/baaaht/dispatch/pkg/router"
	"github.com/baaaht/dispatch/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds one JSON-lines envelope on the route input
const maxLineSize = 1 << 20

// stdioTransport is the transport handle for envelopes replayed from a stream.
// Replies and delivery results are written to out as JSON lines.
type stdioTransport struct {
	id  string
	mu  sync.Mutex
	enc *json.Encoder
}

func newStdioTransport(id string, out io.Writer) *stdioTransport {
	return &stdioTransport{id: id, enc: json.NewEncoder(out)}
}

func (t *stdioTransport) ConnectionID() string {
	return t.id
}

func (t *stdioTransport) Send(ctx context.Context, env *types.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.write(env)
}

func (t *stdioTransport) write(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(v)
}

// routeResult reports what happened to one input line
type routeResult struct {
	Line     int    `json:"line"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	Delivery string `json:"delivery"`
	Error    string `json:"error,omitempty"`
}

// echoHandler answers user and agent messages with their own payload
func echoHandler() router.MessageHandler {
	return router.ForTypes("cli.echo", func(ctx context.Context, userID string, tx types.TransportHandle, env *types.Envelope) (bool, error) {
		reply := &types.Envelope{
			ID:        types.NewMessageID(),
			Type:      env.Type,
			UserID:    userID,
			ThreadID:  env.ThreadID,
			RunID:     env.RunID,
			Payload:   env.Payload,
			Metadata:  map[string]string{"reply_to": string(env.ID)},
			Timestamp: time.Now(),
		}
		if err := tx.Send(ctx, reply); err != nil {
			return false, err
		}
		return true, nil
	}, types.MessageTypeUser, types.MessageTypeAgent)
}

func newRouteCmd() *cobra.Command {
	var (
		input   string
		userID  string
		workers int
		echo    bool
	)

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route JSON-lines envelopes through the canonical router",
		Long: `Route reads one JSON envelope per line, stamps its identity and dispatches
it through the canonical router. Replies sent by handlers and one delivery
result per input line are written to stdout as JSON lines.

With more than one worker, lines are routed concurrently and results may be
written out of input order.`,
		Example: `  echo '{"type":"ping"}' | dispatch route --user alice
  dispatch route --input messages.jsonl --workers 8 --echo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 1 {
				return fmt.Errorf("--workers must be at least 1")
			}

			in := cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("failed to open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			result, err := lifecycle.Bootstrap(ctx, lifecycle.BootstrapConfig{
				Config:  rootCfg,
				Logger:  rootLog,
				Version: lifecycle.DefaultVersion,
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = result.Router.Stop(context.Background())
				_ = result.ShutdownTracing(context.Background())
			}()

			if echo {
				if err := result.Router.AddHandler(echoHandler()); err != nil {
					return err
				}
			}

			tx := newStdioTransport("stdio", cmd.OutOrStdout())
			if err := routeStream(ctx, result.Router, tx, in, userID, workers); err != nil {
				return err
			}

			stats := result.Router.Statistics()
			rootLog.Info("Route finished",
				"messages", stats.TotalMessages,
				"unhandled", stats.Unhandled,
				"rejected", stats.MiddlewareRejections)
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "-", "Input file of JSON-lines envelopes, - for stdin")
	cmd.Flags().StringVar(&userID, "user", "cli", "User id for envelopes that do not carry one")
	cmd.Flags().IntVar(&workers, "workers", 1, "Number of concurrent routing workers")
	cmd.Flags().BoolVar(&echo, "echo", false, "Register a handler that echoes user and agent messages")
	return cmd
}

// routeStream routes every line of in through r. Malformed lines produce a
// rejected result and do not stop the stream.
func routeStream(ctx context.Context, r router.Dispatcher, tx *stdioTransport, in io.Reader, defaultUser string, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			if werr := tx.write(routeResult{
				Line:     line,
				Delivery: router.DeliveryRejected.String(),
				Error:    "malformed envelope: " + err.Error(),
			}); werr != nil {
				return werr
			}
			continue
		}

		n := line
		g.Go(func() error {
			userID := env.UserID
			if userID == "" {
				userID = defaultUser
			}

			delivery, err := r.Route(gctx, userID, tx, &env)
			res := routeResult{
				Line:     n,
				ID:       string(env.ID),
				Type:     string(env.Type),
				ThreadID: env.ThreadID,
				RunID:    env.RunID,
				Delivery: delivery.String(),
			}
			if err != nil {
				res.Error = err.Error()
			}
			return tx.write(res)
		})
	}

	if err := scanner.Err(); err != nil {
		_ = g.Wait()
		return fmt.Errorf("failed to read input: %w", err)
	}
	return g.Wait()
}
