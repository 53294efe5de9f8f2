package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeWire,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
		BodyLen:   11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.Seq != header.Seq {
		t.Errorf("Seq mismatch: got %d, want %d", decodedHeader.Seq, header.Seq)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestEncodeDecodeChannelConnect(t *testing.T) {
	header := Header{
		CodecType: CodecTypeWire,
		MsgType:   MsgTypeChannelConnect,
		Seq:       7,
		BodyLen:   4,
	}
	body := []byte("join")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeChannelConnect {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeChannelConnect)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeWire, byte(MsgTypeRequest), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeWire,
		MsgType:   MsgTypeHeartbeat,
		Seq:       12345,
		BodyLen:   0,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, []byte{}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if decodedHeader.BodyLen != 0 {
		t.Errorf("BodyLen mismatch: got %d, want 0", decodedHeader.BodyLen)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer

	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // wrong version
		CodecTypeWire,
		byte(MsgTypeRequest),
		0, 0, 0, 1,
		0, 0, 0, 0,
	}
	buf.Write(invalidFrame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected an error, but Decode succeeded")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error message should contain 'unsupported version', got: %v", err)
	}
}

func TestDecodeUnsupportedCodec(t *testing.T) {
	var buf bytes.Buffer
	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		Version,
		0x09, // unsupported codec type
		byte(MsgTypeRequest),
		0, 0, 0, 1,
		0, 0, 0, 0,
	}
	buf.Write(invalidFrame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected an error, but Decode succeeded")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported codec type")) {
		t.Errorf("error message should contain 'unsupported codec type', got: %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeWire,
		MsgType:   MsgTypeRequest,
		Seq:       999,
		BodyLen:   uint32(len(largeBody)),
	}

	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body content mismatch")
	}
}
