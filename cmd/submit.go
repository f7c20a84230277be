package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/panjf2000/ants/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/andresmejia3/scribe/internal/rpc"
	"github.com/andresmejia3/scribe/internal/types"
	"github.com/andresmejia3/scribe/internal/utils"
)

type submitOptions struct {
	Addr        string
	Stream      bool
	Concurrency int
	Timeout     time.Duration
	JSON        bool
}

var submitOpts submitOptions

var submitCmd = &cobra.Command{
	Use:   "submit <image>...",
	Short: "Send images to a running scribe server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateSubmitFlags(&submitOpts); err != nil {
			return err
		}
		return runSubmit(cmd.Context(), submitOpts, args, os.Stdout)
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitOpts.Addr, "addr", "a", "localhost:50051", "Server address")
	submitCmd.Flags().BoolVarP(&submitOpts.Stream, "stream", "s", false, "Send all images over one streaming session")
	submitCmd.Flags().IntVarP(&submitOpts.Concurrency, "concurrency", "n", 8, "Parallel unary calls")
	submitCmd.Flags().DurationVarP(&submitOpts.Timeout, "timeout", "t", time.Minute, "Deadline per unary call")
	submitCmd.Flags().BoolVar(&submitOpts.JSON, "json", false, "Print responses as JSON lines")
	rootCmd.AddCommand(submitCmd)
}

func validateSubmitFlags(opts *submitOptions) error {
	if opts.Addr == "" {
		return fmt.Errorf("--addr is required")
	}
	if opts.Concurrency < 1 {
		return fmt.Errorf("invalid concurrency: must be >= 1, got %d", opts.Concurrency)
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: must be > 0, got %s", opts.Timeout)
	}
	return nil
}

// submission is one input file and what came back for it.
type submission struct {
	Path string
	ID   int32
	Resp *types.OCRResponse
	Err  error
}

func runSubmit(ctx context.Context, opts submitOptions, paths []string, out io.Writer) error {
	subs := make([]*submission, len(paths))
	images := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		// Request ids are assigned incrementally from 1.
		subs[i] = &submission{Path: p, ID: int32(i + 1)}
		images[i] = data
	}

	client, err := rpc.Dial(opts.Addr)
	if err != nil {
		return fmt.Errorf("gRPC error: %w", err)
	}
	defer client.Close()

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("📝 Scribe OCR"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	if opts.Stream {
		err = submitStream(ctx, client, subs, images, bar)
	} else {
		err = submitUnary(ctx, client, opts, subs, images, bar)
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	return report(out, subs, opts.JSON)
}

// submitUnary issues one call per image on a bounded goroutine pool.
func submitUnary(ctx context.Context, client *rpc.Client, opts submitOptions, subs []*submission, images [][]byte, bar *progressbar.ProgressBar) error {
	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return err
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			defer bar.Add(1)
			callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
			sub.Resp, sub.Err = client.ProcessImage(callCtx, &types.OCRRequest{RequestID: sub.ID, ImageData: images[i]})
		})
		if err != nil {
			wg.Done()
			sub.Err = err
		}
	}
	wg.Wait()
	return nil
}

// submitStream sends every image over one session and matches responses
// back by request id.
func submitStream(ctx context.Context, client *rpc.Client, subs []*submission, images [][]byte, bar *progressbar.ProgressBar) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("gRPC error: %w", err)
	}

	byID := make(map[int32]*submission, len(subs))
	for _, s := range subs {
		byID[s.ID] = s
	}

	sendErr := make(chan error, 1)
	go func() {
		for i, s := range subs {
			if err := stream.Send(&types.OCRRequest{RequestID: s.ID, ImageData: images[i]}); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- stream.CloseSend()
	}()

	for received := 0; received < len(subs); received++ {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("gRPC error: %s", status.Convert(err).Message())
		}
		if s, ok := byID[resp.RequestID]; ok {
			s.Resp = resp
		}
		bar.Add(1)
	}
	// A send error surfaces as a Recv error too; only report it otherwise.
	if err := <-sendErr; err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("gRPC error: %w", err)
	}
	for _, s := range subs {
		if s.Resp == nil && s.Err == nil {
			s.Err = fmt.Errorf("no response received")
		}
	}
	return nil
}

// report prints one line per input in input order.
func report(w io.Writer, subs []*submission, asJSON bool) error {
	failed := 0
	enc := json.NewEncoder(w)
	for _, s := range subs {
		if s.Err != nil || !s.Resp.Success {
			failed++
		}
		if asJSON {
			line := struct {
				Path string `json:"path"`
				*types.OCRResponse
				Error string `json:"transport_error,omitempty"`
			}{Path: s.Path, OCRResponse: s.Resp}
			if s.Err != nil {
				line.Error = status.Convert(s.Err).Message()
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
			continue
		}

		name := filepath.Base(s.Path)
		switch {
		case s.Err != nil:
			fmt.Fprintf(w, "❌ %s: gRPC error: %s\n", name, status.Convert(s.Err).Message())
		case !s.Resp.Success:
			fmt.Fprintf(w, "⚠️  %s [request %d]: %s\n", name, s.Resp.RequestID, s.Resp.ErrorMessage)
		default:
			fmt.Fprintf(w, "📄 %s [request %d]: %s (%d chars)\n", name, s.Resp.RequestID,
				utils.Preview(s.Resp.Text, 120), utf8.RuneCountInString(s.Resp.Text))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(subs))
	}
	return nil
}
