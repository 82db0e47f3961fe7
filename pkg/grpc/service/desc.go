package service

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the registry service
const ServiceName = "kvjournal.Registry"

// Full method names, as used by clients
const (
	MethodCreateStore = "/" + ServiceName + "/CreateStore"
	MethodDeleteStore = "/" + ServiceName + "/DeleteStore"
	MethodListStores  = "/" + ServiceName + "/ListStores"
	MethodPut         = "/" + ServiceName + "/Put"
	MethodGet         = "/" + ServiceName + "/Get"
	MethodRemove      = "/" + ServiceName + "/Remove"
	MethodStats       = "/" + ServiceName + "/Stats"
)

// RegistryServer is the server side of the registry service. Every message
// is a structpb.Struct; the field names are listed on RegistryService.
type RegistryServer interface {
	CreateStore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteStore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListStores(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Put(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Remove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterRegistryServer registers srv with a gRPC server
func RegisterRegistryServer(s grpc.ServiceRegistrar, srv RegistryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(RegistryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler adapts a RegistryServer method to a grpc.MethodHandler
func unaryHandler(fullMethod string, call unaryMethod) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RegistryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(RegistryServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the registry service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateStore", Handler: unaryHandler(MethodCreateStore, RegistryServer.CreateStore)},
		{MethodName: "DeleteStore", Handler: unaryHandler(MethodDeleteStore, RegistryServer.DeleteStore)},
		{MethodName: "ListStores", Handler: unaryHandler(MethodListStores, RegistryServer.ListStores)},
		{MethodName: "Put", Handler: unaryHandler(MethodPut, RegistryServer.Put)},
		{MethodName: "Get", Handler: unaryHandler(MethodGet, RegistryServer.Get)},
		{MethodName: "Remove", Handler: unaryHandler(MethodRemove, RegistryServer.Remove)},
		{MethodName: "Stats", Handler: unaryHandler(MethodStats, RegistryServer.Stats)},
	},
	Streams: []grpc.StreamDesc{},
}
