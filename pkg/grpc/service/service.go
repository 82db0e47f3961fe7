package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/registry"
	"github.com/KevoDB/kvjournal/pkg/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message fields
const (
	FieldName        = "name"
	FieldMode        = "mode"
	FieldSizeMB      = "size_mb"
	FieldIndexSizeMB = "index_size_mb"
	FieldStores      = "stores"
	FieldStore       = "store"
	FieldKey         = "key"
	FieldType        = "type"
	FieldValue       = "value"
	FieldDisplay     = "display"
	FieldFound       = "found"
	FieldStats       = "stats"
)

// RegistryService serves a registry over gRPC.
//
//	CreateStore {name, mode?, size_mb?, index_size_mb?} -> {name, mode}
//	DeleteStore {name} -> {}
//	ListStores  {} -> {stores: [name...]}
//	Put         {store, key, type, value: base64} -> {}
//	Get         {store, key, type?} -> {found, type, value: base64, display}
//	Remove      {store, key} -> {found}
//	Stats       {store?} -> {stats: {...}}
type RegistryService struct {
	reg          *registry.Registry
	logger       log.Logger
	maxKeySize   int
	maxValueSize int
}

var _ RegistryServer = (*RegistryService)(nil)

// NewRegistryService creates a service backed by reg
func NewRegistryService(reg *registry.Registry, logger log.Logger) *RegistryService {
	return &RegistryService{
		reg:          reg,
		logger:       log.OrDefault(logger).WithField("component", "grpc"),
		maxKeySize:   1<<16 - 1,
		maxValueSize: 16 * 1024 * 1024, // 16MB
	}
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func intField(req *structpb.Struct, name string) int {
	return int(req.GetFields()[name].GetNumberValue())
}

func requireString(req *structpb.Struct, name string) (string, error) {
	s := stringField(req, name)
	if s == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return s, nil
}

func (s *RegistryService) key(req *structpb.Struct) (string, error) {
	key, err := requireString(req, FieldKey)
	if err != nil {
		return "", err
	}
	if len(key) > s.maxKeySize {
		return "", status.Error(codes.InvalidArgument, "key too large")
	}
	return key, nil
}

func reply(fields map[string]interface{}) (*structpb.Struct, error) {
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return resp, nil
}

// toStatus maps registry and store errors to gRPC status codes
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrStoreNotFound), errors.Is(err, store.ErrKeyNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, registry.ErrStoreExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, record.ErrInvalidType),
		errors.Is(err, record.ErrValueSize), errors.Is(err, record.ErrKeyTooLarge):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, config.ErrSizeTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, registry.ErrClosed), errors.Is(err, store.ErrStoreClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// CreateStore creates a store. Missing mode and sizes use the registry defaults.
func (s *RegistryService) CreateStore(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireString(req, FieldName)
	if err != nil {
		return nil, err
	}

	var mode config.StorageMode
	if m := stringField(req, FieldMode); m != "" {
		if mode, err = config.ParseStorageMode(m); err != nil {
			return nil, toStatus(err)
		}
	}

	st, err := s.reg.CreateStore(name, mode, intField(req, FieldSizeMB), intField(req, FieldIndexSizeMB))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{
		FieldName: st.Name(),
		FieldMode: string(st.Config().Mode),
	})
}

// DeleteStore removes a store and its files
func (s *RegistryService) DeleteStore(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireString(req, FieldName)
	if err != nil {
		return nil, err
	}
	if err := s.reg.DeleteStore(name); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// ListStores returns the names of the open stores
func (s *RegistryService) ListStores(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	names := s.reg.Names()
	list := make([]interface{}, len(names))
	for i, n := range names {
		list[i] = n
	}
	return reply(map[string]interface{}{FieldStores: list})
}

// Put stores an encoded value
func (s *RegistryService) Put(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	storeName, err := requireString(req, FieldStore)
	if err != nil {
		return nil, err
	}
	key, err := s.key(req)
	if err != nil {
		return nil, err
	}
	t, err := record.ParseType(stringField(req, FieldType))
	if err != nil {
		return nil, toStatus(err)
	}
	value, err := base64.StdEncoding.DecodeString(stringField(req, FieldValue))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "value is not base64: %v", err)
	}
	if len(value) > s.maxValueSize {
		return nil, status.Error(codes.InvalidArgument, "value too large")
	}

	if err := s.reg.PutRaw(storeName, key, t, value); err != nil {
		s.logger.Debug("Put %s/%s failed: %v", storeName, key, err)
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Get looks up a key. A missing key is reported with found=false, not an error.
func (s *RegistryService) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	storeName, err := requireString(req, FieldStore)
	if err != nil {
		return nil, err
	}
	key, err := s.key(req)
	if err != nil {
		return nil, err
	}

	var t record.Type
	var value []byte
	if name := stringField(req, FieldType); name != "" {
		if t, err = record.ParseType(name); err != nil {
			return nil, toStatus(err)
		}
		value, err = s.reg.GetAs(storeName, key, t)
	} else {
		t, value, err = s.reg.Get(storeName, key)
	}

	if errors.Is(err, store.ErrKeyNotFound) {
		return reply(map[string]interface{}{FieldFound: false})
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{
		FieldFound:   true,
		FieldType:    t.String(),
		FieldValue:   base64.StdEncoding.EncodeToString(value),
		FieldDisplay: record.FormatValue(t, value),
	})
}

// Remove deletes a key, reporting whether it existed
func (s *RegistryService) Remove(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	storeName, err := requireString(req, FieldStore)
	if err != nil {
		return nil, err
	}
	key, err := s.key(req)
	if err != nil {
		return nil, err
	}

	err = s.reg.Remove(storeName, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return reply(map[string]interface{}{FieldFound: false})
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{FieldFound: true})
}

// Stats returns the stats of one store, or of every store flattened into
// dotted keys when no store is named
func (s *RegistryService) Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var stats map[string]interface{}
	if name := stringField(req, FieldStore); name != "" {
		st, ok := s.reg.GetStore(name)
		if !ok {
			return nil, toStatus(fmt.Errorf("%w: %s", registry.ErrStoreNotFound, name))
		}
		stats = st.Stats().Map()
	} else {
		var err error
		if stats, err = s.reg.Stats(); err != nil {
			return nil, toStatus(err)
		}
	}
	return reply(map[string]interface{}{FieldStats: stats})
}
