// Package rpc exposes the dispatcher over gRPC: a unary ProcessImage call and
// a bidirectional ProcessImageStream session, both speaking JSON.
package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/andresmejia3/scribe/internal/dispatch"
	"github.com/andresmejia3/scribe/internal/types"
	"github.com/andresmejia3/scribe/internal/utils"
)

// DefaultMaxMessageSize bounds a single request or response on the wire.
const DefaultMaxMessageSize = 64 << 20

// Processor is the part of the dispatcher the server needs.
type Processor interface {
	ProcessOne(ctx context.Context, image []byte) (types.Result, error)
	ProcessStream(ctx context.Context, src dispatch.StreamSource, sink dispatch.StreamSink) (int, error)
}

// Observer is told about every response handed back to a caller.
type Observer interface {
	Observe(ctx context.Context, d types.Delivery) error
}

// Options tunes the server. Zero values pick the defaults.
type Options struct {
	// CallTimeout caps a unary call. 0 leaves only the caller's deadline.
	CallTimeout time.Duration
	// MaxMessageSize bounds requests and responses.
	MaxMessageSize int
	// GracePeriod is how long Serve waits for in-flight calls on shutdown.
	GracePeriod time.Duration
	// ObserverWorkers sizes the pool delivering to observers.
	ObserverWorkers int
	// ObserveTimeout caps one Observe call.
	ObserveTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	if o.ObserverWorkers <= 0 {
		o.ObserverWorkers = 8
	}
	if o.ObserveTimeout <= 0 {
		o.ObserveTimeout = 5 * time.Second
	}
}

// Server implements OCRServiceServer on top of a Processor.
type Server struct {
	proc      Processor
	observers []Observer
	pool      *ants.Pool
	log       *zap.Logger
	opts      Options
	grpc      *grpc.Server
}

// NewServer builds a server and registers the OCR service on it.
func NewServer(proc Processor, log *zap.Logger, opts Options, observers ...Observer) (*Server, error) {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		proc:      proc,
		observers: observers,
		log:       log.Named("rpc"),
		opts:      opts,
	}

	pool, err := ants.NewPool(opts.ObserverWorkers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			s.log.Error("observer panicked", zap.Any("panic", p))
		}))
	if err != nil {
		return nil, err
	}
	s.pool = pool

	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(opts.MaxMessageSize),
		grpc.MaxSendMsgSize(opts.MaxMessageSize),
	)
	RegisterOCRServiceServer(s.grpc, s)
	return s, nil
}

// Serve accepts connections on lis until ctx ends, then stops gracefully.
// Calls still running after the grace period are cut off.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("stopping grpc server", zap.Duration("grace", s.opts.GracePeriod))
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(s.opts.GracePeriod):
		s.log.Warn("grace period expired, closing remaining calls")
		s.grpc.Stop()
		<-stopped
	}
	return <-errCh
}

// Close waits for pending observer deliveries, up to timeout.
func (s *Server) Close(timeout time.Duration) error {
	return s.pool.ReleaseTimeout(timeout)
}

// ProcessImage handles the unary call.
func (s *Server) ProcessImage(ctx context.Context, req *types.OCRRequest) (*types.OCRResponse, error) {
	start := time.Now()
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}

	res, err := s.proc.ProcessOne(ctx, req.ImageData)
	if err != nil {
		s.log.Info("request not processed", zap.Int32("request", req.RequestID), zap.Error(err))
		return nil, toStatus(err)
	}

	resp := types.NewResponse(req.RequestID, res)
	s.observe(types.Delivery{
		Method:       "ProcessImage",
		RequestID:    resp.RequestID,
		Digest:       utils.DigestImage(req.ImageData),
		Text:         resp.Text,
		Success:      resp.Success,
		ErrorMessage: resp.ErrorMessage,
		Duration:     time.Since(start),
		DeliveredAt:  time.Now(),
	})
	return resp, nil
}

// ProcessImageStream handles one streaming session.
func (s *Server) ProcessImageStream(stream ImageStreamServer) error {
	session := uuid.NewString()
	ctx := dispatch.WithSessionID(stream.Context(), session)
	obs := &observedStream{srv: s, stream: stream, session: session}

	n, err := s.proc.ProcessStream(ctx, obs, obs)
	if err != nil {
		s.log.Info("stream session ended with error",
			zap.String("session", session), zap.Int("responses", n), zap.Error(err))
		return toStatus(err)
	}
	return nil
}

// observedStream adapts a server stream to the dispatcher's source and sink,
// reporting every response written. Sessions are strictly request then
// response, so one pending request is all it needs to remember.
type observedStream struct {
	srv     *Server
	stream  ImageStreamServer
	session string

	digest  string
	started time.Time
}

func (o *observedStream) Recv() (*types.OCRRequest, error) {
	req, err := o.stream.Recv()
	if err != nil {
		return nil, err
	}
	o.digest = utils.DigestImage(req.ImageData)
	o.started = time.Now()
	return req, nil
}

func (o *observedStream) Send(resp *types.OCRResponse) error {
	if err := o.stream.Send(resp); err != nil {
		return err
	}
	o.srv.observe(types.Delivery{
		Method:       "ProcessImageStream",
		SessionID:    o.session,
		RequestID:    resp.RequestID,
		Digest:       o.digest,
		Text:         resp.Text,
		Success:      resp.Success,
		ErrorMessage: resp.ErrorMessage,
		Duration:     time.Since(o.started),
		DeliveredAt:  time.Now(),
	})
	return nil
}

// observe hands d to every observer without blocking the caller. Deliveries
// are dropped when the pool is saturated.
func (s *Server) observe(d types.Delivery) {
	for _, o := range s.observers {
		err := s.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.ObserveTimeout)
			defer cancel()
			if err := o.Observe(ctx, d); err != nil {
				s.log.Warn("observer failed", zap.Int32("request", d.RequestID), zap.Error(err))
			}
		})
		if err != nil {
			s.log.Warn("delivery dropped", zap.Int32("request", d.RequestID), zap.Error(err))
		}
	}
}

// toStatus maps dispatcher errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, dispatch.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, dispatch.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, dispatch.ErrSinkClosed):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
