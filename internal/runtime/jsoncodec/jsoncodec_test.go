package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "imbus"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestMarshalString(t *testing.T) {
	text, err := MarshalString(map[string]any{"content": "hello"})
	if err != nil {
		t.Fatalf("marshal string failed: %v", err)
	}
	if text != `{"content":"hello"}` {
		t.Fatalf("unexpected text %s", text)
	}

	var decoded map[string]string
	if err := UnmarshalString(text, &decoded); err != nil {
		t.Fatalf("unmarshal string failed: %v", err)
	}
	if decoded["content"] != "hello" {
		t.Fatalf("unexpected decoded value %#v", decoded)
	}

	if _, err := MarshalString(make(chan int)); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestTranscode(t *testing.T) {
	src := map[string]any{"id": 7, "name": "stream"}

	var dst testPayload
	if err := Transcode(src, &dst); err != nil {
		t.Fatalf("transcode failed: %v", err)
	}
	if dst.ID != 7 || dst.Name != "stream" {
		t.Fatalf("unexpected result %#v", dst)
	}
}

func TestEncode(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Encode(buf, testPayload{ID: 1, Name: "x"}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"name":"x"`) {
		t.Fatalf("unexpected output %s", buf.String())
	}
}
