package service

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/record"
	"github.com/KevoDB/kvjournal/pkg/registry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func newService(t *testing.T) *RegistryService {
	t.Helper()
	reg, err := registry.New(nil, registry.WithLogger(log.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return NewRegistryService(reg, log.NewNop())
}

func request(t *testing.T, fields map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func expectCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("Expected code %v, got %v (%v)", want, got, err)
	}
}

func TestServiceDesc(t *testing.T) {
	if ServiceDesc.ServiceName != "kvjournal.Registry" {
		t.Errorf("Unexpected service name %s", ServiceDesc.ServiceName)
	}
	want := map[string]bool{
		"CreateStore": true, "DeleteStore": true, "ListStores": true,
		"Put": true, "Get": true, "Remove": true, "Stats": true,
	}
	for _, m := range ServiceDesc.Methods {
		if !want[m.MethodName] {
			t.Errorf("Unexpected method %s", m.MethodName)
		}
		delete(want, m.MethodName)
	}
	if len(want) != 0 {
		t.Errorf("Missing methods %v", want)
	}
	// No .proto file describes the structpb messages
	if ServiceDesc.Metadata != "" {
		t.Errorf("Unexpected metadata %q", ServiceDesc.Metadata)
	}
}

func TestServiceFlow(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	resp, err := s.CreateStore(ctx, request(t, map[string]interface{}{
		FieldName: "kv", FieldMode: "memory", FieldSizeMB: 1,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetFields()[FieldMode].GetStringValue() != "in_memory" {
		t.Errorf("Unexpected create response %v", resp)
	}

	_, err = s.CreateStore(ctx, request(t, map[string]interface{}{FieldName: "kv"}))
	expectCode(t, err, codes.AlreadyExists)
	_, err = s.CreateStore(ctx, request(t, map[string]interface{}{}))
	expectCode(t, err, codes.InvalidArgument)
	_, err = s.CreateStore(ctx, request(t, map[string]interface{}{FieldName: "huge", FieldSizeMB: 1 << 20}))
	expectCode(t, err, codes.ResourceExhausted)

	put := map[string]interface{}{
		FieldStore: "kv",
		FieldKey:   "n",
		FieldType:  record.TypeInt16.String(),
		FieldValue: base64.StdEncoding.EncodeToString(record.EncodeInt16(7)),
	}
	if _, err := s.Put(ctx, request(t, put)); err != nil {
		t.Fatal(err)
	}

	put[FieldValue] = "***"
	_, err = s.Put(ctx, request(t, put))
	expectCode(t, err, codes.InvalidArgument)
	put[FieldType] = "nonsense"
	_, err = s.Put(ctx, request(t, put))
	expectCode(t, err, codes.InvalidArgument)

	resp, err = s.Get(ctx, request(t, map[string]interface{}{FieldStore: "kv", FieldKey: "n"}))
	if err != nil {
		t.Fatal(err)
	}
	f := resp.GetFields()
	if !f[FieldFound].GetBoolValue() || f[FieldType].GetStringValue() != record.TypeInt16.String() || f[FieldDisplay].GetStringValue() != "7" {
		t.Errorf("Unexpected get response %v", resp)
	}

	resp, err = s.Get(ctx, request(t, map[string]interface{}{FieldStore: "kv", FieldKey: "n", FieldType: record.TypeInt32.String()}))
	if err != nil || resp.GetFields()[FieldFound].GetBoolValue() {
		t.Errorf("Type mismatch should be not found, got %v %v", resp, err)
	}
	_, err = s.Get(ctx, request(t, map[string]interface{}{FieldStore: "nope", FieldKey: "n"}))
	expectCode(t, err, codes.NotFound)

	resp, err = s.ListStores(ctx, &structpb.Struct{})
	if err != nil || len(resp.GetFields()[FieldStores].GetListValue().GetValues()) != 1 {
		t.Errorf("Unexpected list %v %v", resp, err)
	}

	resp, err = s.Stats(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatal(err)
	}
	stats := resp.GetFields()[FieldStats].GetStructValue().GetFields()
	if stats["kv.record_count"].GetNumberValue() != 1 {
		t.Errorf("Unexpected stats %v", stats)
	}

	resp, err = s.Remove(ctx, request(t, map[string]interface{}{FieldStore: "kv", FieldKey: "n"}))
	if err != nil || !resp.GetFields()[FieldFound].GetBoolValue() {
		t.Errorf("Remove failed %v %v", resp, err)
	}
	resp, err = s.Remove(ctx, request(t, map[string]interface{}{FieldStore: "kv", FieldKey: "n"}))
	if err != nil || resp.GetFields()[FieldFound].GetBoolValue() {
		t.Errorf("Second remove should report missing %v %v", resp, err)
	}

	if _, err := s.DeleteStore(ctx, request(t, map[string]interface{}{FieldName: "kv"})); err != nil {
		t.Fatal(err)
	}
	_, err = s.DeleteStore(ctx, request(t, map[string]interface{}{FieldName: "kv"}))
	expectCode(t, err, codes.NotFound)
}
