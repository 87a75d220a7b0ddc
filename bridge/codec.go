package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/juju/errors"
	"github.com/temoto/iec104/iec"
)

// denote record type in persistent queue bytes form
const (
	qValue byte = 1
)

func TopicValue(prefix, id string, addr iec.Address) string {
	return fmt.Sprintf("%s/%s/value/%s", prefix, id, addr)
}
func TopicState(prefix, id string) string   { return fmt.Sprintf("%s/%s/state", prefix, id) }
func TopicCommand(prefix, id string) string { return fmt.Sprintf("%s/%s/command", prefix, id) }

// parseCommandTopic returns connection id from "<prefix>/<id>/command".
func parseCommandTopic(prefix, topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic {
		return "", false
	}
	id := strings.TrimSuffix(rest, "/command")
	if id == rest || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func valueStruct(id string, addr iec.Address, v iec.Value) *structpb.Struct {
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		"connection": stringValue(id),
		"address":    stringValue(addr.String()),
		"value":      pointValue(v.Value),
		"quality":    numberValue(float64(v.Quality)),
		"good":       boolValue(v.Quality.Good()),
		"overflow":   boolValue(v.Overflow),
	}}
	if !v.Timestamp.IsZero() {
		s.Fields["time"] = stringValue(v.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return s
}

func stateStruct(id string, s iec.State, err error) *structpb.Struct {
	st := &structpb.Struct{Fields: map[string]*structpb.Value{
		"connection": stringValue(id),
		"state":      stringValue(s.String()),
	}}
	if err != nil {
		st.Fields["error"] = stringValue(err.Error())
	}
	return st
}

// pointValue keeps bool as bool, double point as its name, numbers as float.
func pointValue(x interface{}) *structpb.Value {
	switch v := x.(type) {
	case nil:
		return &structpb.Value{Kind: &structpb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}}
	case bool:
		return boolValue(v)
	case iec.DoublePoint:
		return stringValue(v.String())
	}
	if f, ok := (iec.Value{Value: x}).Float(); ok {
		return numberValue(f)
	}
	return stringValue(fmt.Sprint(x))
}

func stringValue(s string) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: s}}
}
func numberValue(f float64) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: f}}
}
func boolValue(b bool) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_BoolValue{BoolValue: b}}
}

func encodeTagProto(tag byte, pb proto.Message) ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 256))
	if err := buf.EncodeVarint(uint64(tag)); err != nil {
		return nil, err
	}
	if err := buf.Marshal(pb); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRecord returns MQTT topic and payload for queued record.
func decodeRecord(prefix string, b []byte) (string, []byte, error) {
	if len(b) == 0 {
		return "", nil, errors.NotValidf("empty record")
	}
	switch b[0] {
	case qValue:
		var s structpb.Struct
		if err := proto.Unmarshal(b[1:], &s); err != nil {
			return "", nil, errors.Annotate(err, "value record")
		}
		id := s.Fields["connection"].GetStringValue()
		addr, err := iec.ParseAddress(s.Fields["address"].GetStringValue())
		if err != nil || id == "" {
			return "", nil, errors.NotValidf("value record connection=%q address", id)
		}
		return TopicValue(prefix, id, addr), b[1:], nil
	default:
		return "", nil, errors.NotValidf("record kind=%d", b[0])
	}
}
