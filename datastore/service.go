package datastore

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/valvemist/pbsbridge/codec"
)

// ServiceName is the gRPC service name of the datastore.
const ServiceName = "pbsbridge.datastore.v1.Datastore"

// CodecName is the gRPC content subtype the datastore messages use.
const CodecName = "cbor"

// MaxMessageSize bounds a single RPC message. It leaves room for the
// largest chunk plus envelope overhead.
const MaxMessageSize = 64 * 1024 * 1024

// TokenHeader carries the bearer token.
const TokenHeader = "authorization"

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// Service is implemented by datastore servers.
type Service interface {
	OpenSession(context.Context, *OpenSessionRequest) (*SessionReply, error)
	ResumeSession(context.Context, *ResumeSessionRequest) (*SessionReply, error)
	HasChunk(context.Context, *HasChunkRequest) (*HasChunkReply, error)
	UploadChunk(context.Context, *UploadChunkRequest) (*Empty, error)
	CreateIndex(context.Context, *CreateIndexRequest) (*CreateIndexReply, error)
	AppendIndex(context.Context, *AppendIndexRequest) (*Empty, error)
	CloseIndex(context.Context, *CloseIndexRequest) (*Empty, error)
	PreviousIndex(context.Context, *PreviousIndexRequest) (*IndexReply, error)
	UploadBlob(context.Context, *UploadBlobRequest) (*Empty, error)
	FinishSession(context.Context, *FinishSessionRequest) (*Empty, error)
	AbortSession(context.Context, *AbortSessionRequest) (*Empty, error)
	ListSnapshots(context.Context, *ListSnapshotsRequest) (*ListSnapshotsReply, error)
	GetBlob(context.Context, *GetBlobRequest) (*PayloadReply, error)
	GetIndex(context.Context, *GetIndexRequest) (*IndexReply, error)
	GetChunk(context.Context, *GetChunkRequest) (*PayloadReply, error)
}

// FullMethod returns the gRPC path of a datastore method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Service), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(Service), ctx, req.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// ServiceDesc describes the datastore service to gRPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("OpenSession", Service.OpenSession),
		unary("ResumeSession", Service.ResumeSession),
		unary("HasChunk", Service.HasChunk),
		unary("UploadChunk", Service.UploadChunk),
		unary("CreateIndex", Service.CreateIndex),
		unary("AppendIndex", Service.AppendIndex),
		unary("CloseIndex", Service.CloseIndex),
		unary("PreviousIndex", Service.PreviousIndex),
		unary("UploadBlob", Service.UploadBlob),
		unary("FinishSession", Service.FinishSession),
		unary("AbortSession", Service.AbortSession),
		unary("ListSnapshots", Service.ListSnapshots),
		unary("GetBlob", Service.GetBlob),
		unary("GetIndex", Service.GetIndex),
		unary("GetChunk", Service.GetChunk),
	},
	Metadata: "datastore.cbor",
}

// RegisterService registers impl on a gRPC server.
func RegisterService(registrar grpc.ServiceRegistrar, impl Service) {
	registrar.RegisterService(&ServiceDesc, impl)
}
