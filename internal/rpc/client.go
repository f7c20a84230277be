package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/andresmejia3/scribe/internal/types"
)

// Client calls the OCR service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a plaintext client for target. The connection is established
// lazily on the first call. Extra options are applied after the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(DefaultMaxMessageSize),
			grpc.MaxCallSendMsgSize(DefaultMaxMessageSize),
		),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// ProcessImage sends one image and waits for its response.
func (c *Client) ProcessImage(ctx context.Context, req *types.OCRRequest) (*types.OCRResponse, error) {
	out := new(types.OCRResponse)
	if err := c.conn.Invoke(ctx, processImageMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ImageStream is the client end of a streaming session.
type ImageStream struct {
	stream grpc.ClientStream
}

// OpenStream starts a streaming session. Responses arrive in request order.
func (c *Client) OpenStream(ctx context.Context) (*ImageStream, error) {
	s, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], processImageStreamMethod)
	if err != nil {
		return nil, err
	}
	return &ImageStream{stream: s}, nil
}

func (s *ImageStream) Send(req *types.OCRRequest) error {
	return s.stream.SendMsg(req)
}

// Recv returns io.EOF once the server has answered everything.
func (s *ImageStream) Recv() (*types.OCRResponse, error) {
	m := new(types.OCRResponse)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CloseSend tells the server no more requests follow.
func (s *ImageStream) CloseSend() error {
	return s.stream.CloseSend()
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
