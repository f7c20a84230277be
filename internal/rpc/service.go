package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/andresmejia3/scribe/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ocrservice.OCRService"

const (
	processImageMethod       = "/" + ServiceName + "/ProcessImage"
	processImageStreamMethod = "/" + ServiceName + "/ProcessImageStream"
)

// OCRServiceServer is the server side of the OCR service.
type OCRServiceServer interface {
	ProcessImage(context.Context, *types.OCRRequest) (*types.OCRResponse, error)
	ProcessImageStream(ImageStreamServer) error
}

// ImageStreamServer is the server end of one ProcessImageStream call.
type ImageStreamServer interface {
	Send(*types.OCRResponse) error
	Recv() (*types.OCRRequest, error)
	grpc.ServerStream
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OCRServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProcessImage", Handler: processImageHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ProcessImageStream",
			Handler:       processImageStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "ocr_service.proto",
}

// RegisterOCRServiceServer registers srv on s.
func RegisterOCRServiceServer(s grpc.ServiceRegistrar, srv OCRServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func processImageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.OCRRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OCRServiceServer).ProcessImage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: processImageMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OCRServiceServer).ProcessImage(ctx, req.(*types.OCRRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func processImageStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(OCRServiceServer).ProcessImageStream(&imageStreamServer{stream})
}

type imageStreamServer struct {
	grpc.ServerStream
}

func (x *imageStreamServer) Send(m *types.OCRResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *imageStreamServer) Recv() (*types.OCRRequest, error) {
	m := new(types.OCRRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
