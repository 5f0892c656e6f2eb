package codec

import (
	"testing"

	"fleetrpc/message"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	originalMsg := &message.RPCMessage{
		ServiceMethod: "ArithService.Add",
		Payload:       []byte(`{"a":1,"b":2}`),
		Metadata:      map[string]string{"trace": "abc"},
	}

	data, err := jsonCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decodedMsg message.RPCMessage
	err = jsonCodec.Decode(data, &decodedMsg)
	if err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}

	if originalMsg.ServiceMethod != decodedMsg.ServiceMethod {
		t.Errorf("ServiceMethod mismatch: got %s, want %s", decodedMsg.ServiceMethod, originalMsg.ServiceMethod)
	}
	if string(originalMsg.Payload) != string(decodedMsg.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", string(decodedMsg.Payload), string(originalMsg.Payload))
	}
	if decodedMsg.Metadata["trace"] != "abc" {
		t.Errorf("Metadata mismatch: got %v", decodedMsg.Metadata)
	}
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	originalMsg := &message.RPCMessage{
		ServiceMethod: "ArithService.Add",
		Payload:       []byte(`{"a":1,"b":2}`),
		Error:         "boom",
		Metadata:      map[string]string{"b": "2", "a": "1"},
	}

	data, err := binaryCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("BinaryCodec Encode failed: %v", err)
	}

	var decodedMsg message.RPCMessage
	err = binaryCodec.Decode(data, &decodedMsg)
	if err != nil {
		t.Fatalf("BinaryCodec Decode failed: %v", err)
	}

	if originalMsg.ServiceMethod != decodedMsg.ServiceMethod {
		t.Errorf("ServiceMethod mismatch: got %s, want %s", decodedMsg.ServiceMethod, originalMsg.ServiceMethod)
	}
	if string(originalMsg.Payload) != string(decodedMsg.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", string(decodedMsg.Payload), string(originalMsg.Payload))
	}
	if originalMsg.Error != decodedMsg.Error {
		t.Errorf("Error mismatch: got %s, want %s", decodedMsg.Error, originalMsg.Error)
	}
	if len(decodedMsg.Metadata) != 2 || decodedMsg.Metadata["a"] != "1" || decodedMsg.Metadata["b"] != "2" {
		t.Errorf("Metadata mismatch: got %v", decodedMsg.Metadata)
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	data, err := (&BinaryCodec{}).Encode(&message.RPCMessage{ServiceMethod: "A.B", Payload: []byte("xyz")})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(data); i++ {
		var msg message.RPCMessage
		if err := (&BinaryCodec{}).Decode(data[:i], &msg); err == nil {
			t.Fatalf("decode of %d/%d bytes should fail", i, len(data))
		}
	}
}

func TestParseCodecType(t *testing.T) {
	for name, want := range map[string]CodecType{"json": CodecTypeJSON, "": CodecTypeJSON, "Binary": CodecTypeBinary} {
		got, err := ParseCodecType(name)
		if err != nil || got != want {
			t.Errorf("ParseCodecType(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Error("expected error for xml")
	}
	if _, err := GetCodec(CodecType(9)); err == nil {
		t.Error("expected error for unknown codec type")
	}
}

func TestJSONCodecRejectsTrailingData(t *testing.T) {
	var msg message.RPCMessage
	if err := (&JSONCodec{}).Decode([]byte(`{"ServiceMethod":"A.B"} {"ServiceMethod":"C.D"}`), &msg); err == nil {
		t.Fatal("expected an error for two concatenated envelopes")
	}
	if err := (&JSONCodec{}).Decode([]byte("{\"ServiceMethod\":\"A.B\"}\n"), &msg); err != nil {
		t.Fatalf("trailing whitespace is fine: %v", err)
	}
}
