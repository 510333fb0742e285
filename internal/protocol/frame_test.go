package protocol

import (
	"encoding/json"
	"testing"
)

func Test_frame_payload_round_trip(t *testing.T) {
	original, err := NewFrame(TypeRequest, &RequestPayload{
		Method: "GET",
		Path:   "/hello",
		Headers: map[string]string{
			"X-Test": "1",
		},
	})
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}
	original.RequestID = "req-1"

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded.Type != TypeRequest {
		t.Errorf("type mismatch: got %q, want %q", decoded.Type, TypeRequest)
	}
	if decoded.RequestID != "req-1" {
		t.Errorf("requestId mismatch: got %q", decoded.RequestID)
	}

	var payload RequestPayload
	if err := DecodePayload(&decoded, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Method != "GET" || payload.Path != "/hello" {
		t.Errorf("payload mismatch: %+v", payload)
	}
}

func Test_frame_without_payload(t *testing.T) {
	f, err := NewFrame(TypePing, nil)
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Type != TypePing {
		t.Errorf("type mismatch: got %q", decoded.Type)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("expected no payload, got %s", decoded.Payload)
	}
}

func Test_tcp_data_payload_base64_round_trip(t *testing.T) {
	cases := [][]byte{
		[]byte("hello\n"),
		{},
		{0x00, 0xff, 0x10, 0x20},
	}

	for _, want := range cases {
		f, err := NewFrame(TypeTCPData, &TCPDataPayload{Data: want})
		if err != nil {
			t.Fatalf("building frame: %v", err)
		}
		data, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}

		var decoded Frame
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}

		var payload TCPDataPayload
		if err := DecodePayload(&decoded, &payload); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if len(want) == 0 && len(payload.Data) != 0 {
			t.Errorf("expected empty data, got %v", payload.Data)
		}
		if len(want) > 0 && string(payload.Data) != string(want) {
			t.Errorf("data mismatch: got %v, want %v", payload.Data, want)
		}
	}
}

func Test_decode_payload_rejects_empty(t *testing.T) {
	f := &Frame{Type: TypePing}
	var payload RequestPayload
	if err := DecodePayload(f, &payload); err == nil {
		t.Fatal("expected error decoding empty payload")
	}
}

func Test_encode_decode_body_round_trip(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"ok":true}`),
		nil,
		{0xff, 0xfe, 0x00, 0x01},
	}
	for _, want := range cases {
		body, encoding := EncodeBody(want)
		got, err := DecodeBody(body, encoding)
		if err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if len(want) == 0 && len(got) != 0 {
			t.Errorf("expected empty body, got %v", got)
		}
		if len(want) > 0 && string(got) != string(want) {
			t.Errorf("body mismatch: got %v, want %v", got, want)
		}
	}
}

func Test_all_frame_types_marshal(t *testing.T) {
	types := []string{
		TypeRegister, TypeRegistered, TypeRequest, TypeResponse,
		TypeTCPConnect, TypeTCPData, TypeTCPClose, TypeTCPError,
		TypePing, TypePong, TypeError,
	}
	for _, typ := range types {
		f, err := NewFrame(typ, nil)
		if err != nil {
			t.Fatalf("type %q: %v", typ, err)
		}
		if _, err := json.Marshal(f); err != nil {
			t.Fatalf("type %q: marshal failed: %v", typ, err)
		}
	}
}
