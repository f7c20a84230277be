package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/scribe/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type sessionKey struct{}

// WithSessionID returns a context carrying the session id used in logs.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session id stored in ctx, or a new random one.
func SessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// StreamSource yields the requests of one session in order. Recv returns
// io.EOF when the peer has no more requests.
type StreamSource interface {
	Recv() (*types.OCRRequest, error)
}

// StreamSink receives the responses of one session.
type StreamSink interface {
	Send(*types.OCRResponse) error
}

// ProcessStream runs one streaming session: read a request, process it,
// write its response, then read the next. The session never has more than
// one task in flight. It stops without reading further after a failed
// write, returning an error wrapping ErrSinkClosed. It returns the number of
// responses written.
func (d *Dispatcher) ProcessStream(ctx context.Context, src StreamSource, sink StreamSink) (int, error) {
	log := d.log.With(zap.String("session", SessionID(ctx)))
	log.Debug("stream session opened")

	sent := 0
	for {
		req, err := src.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug("stream session finished", zap.Int("responses", sent))
			return sent, nil
		}
		if err != nil {
			return sent, err
		}

		res, err := d.ProcessOne(ctx, req.ImageData)
		if err != nil {
			log.Info("stream session aborted", zap.Int32("request", req.RequestID), zap.Error(err))
			return sent, err
		}

		if err := sink.Send(types.NewResponse(req.RequestID, res)); err != nil {
			log.Info("stream sink closed", zap.Int32("request", req.RequestID), zap.Error(err))
			return sent, fmt.Errorf("%w: %v", ErrSinkClosed, err)
		}
		sent++
	}
}
