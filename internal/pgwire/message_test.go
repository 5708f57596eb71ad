package pgwire

import (
	"bytes"
	"testing"
)

func TestNewStartupMessage(t *testing.T) {
	m := NewStartupMessage([]Param{
		{Key: "user", Value: "alice"},
		{Key: "database", Value: "reports"},
	})

	if !m.IsStartup() {
		t.Fatal("startup message must not carry a type byte")
	}
	version, err := StartupVersion(m.Payload)
	if err != nil {
		t.Fatalf("StartupVersion: %v", err)
	}
	if version != ProtoVersion {
		t.Errorf("version = %d, want %d", version, ProtoVersion)
	}
	if m.Payload[len(m.Payload)-1] != 0 {
		t.Error("payload must end with the terminating NUL")
	}

	params, err := ParseStartupParams(m.Payload)
	if err != nil {
		t.Fatalf("ParseStartupParams: %v", err)
	}
	if len(params) != 2 || params[0].Key != "user" || params[0].Value != "alice" ||
		params[1].Key != "database" || params[1].Value != "reports" {
		t.Errorf("unexpected params: %+v", params)
	}
}

func TestParseStartupParamsOrderPreserved(t *testing.T) {
	m := NewStartupMessage([]Param{
		{Key: "database", Value: "d"},
		{Key: "user", Value: "u"},
		{Key: "application_name", Value: "psql"},
	})
	params, err := ParseStartupParams(m.Payload)
	if err != nil {
		t.Fatalf("ParseStartupParams: %v", err)
	}
	keys := []string{"database", "user", "application_name"}
	for i, k := range keys {
		if params[i].Key != k {
			t.Errorf("param %d key = %q, want %q", i, params[i].Key, k)
		}
	}
}

func TestParseStartupParamsTooShort(t *testing.T) {
	if _, err := ParseStartupParams([]byte{0, 3}); err == nil {
		t.Error("expected an error for a truncated payload")
	}
}

func TestNewAuthRequest(t *testing.T) {
	m := NewAuthRequest(AuthMD5Password, []byte{0xaa, 0xbb, 0xcc, 0xdd})

	want := []byte{'R', 0, 0, 0, 12, 0, 0, 0, 5, 0xaa, 0xbb, 0xcc, 0xdd}
	if !bytes.Equal(m.Encode(), want) {
		t.Errorf("MD5 auth request = %x, want %x", m.Encode(), want)
	}

	ok := NewAuthRequest(AuthOK, nil)
	wantOK := []byte{'R', 0, 0, 0, 8, 0, 0, 0, 0}
	if !bytes.Equal(ok.Encode(), wantOK) {
		t.Errorf("auth ok = %x, want %x", ok.Encode(), wantOK)
	}
}

func TestErrorResponseBody(t *testing.T) {
	m := ErrorResponse("FATAL", "28P01", "Authentication failed")

	want := []byte("SFATAL\x00MAuthentication failed\x00C28P01\x00\x00")
	if !bytes.Equal(m.Payload, want) {
		t.Errorf("body = %q, want %q", m.Payload, want)
	}
	if m.TypeByte() != 'E' {
		t.Errorf("type = %q, want 'E'", m.Type)
	}
}

func TestMinimalErrorResponse(t *testing.T) {
	m := MinimalErrorResponse()
	want := []byte{'E', 0, 0, 0, 5, 0}
	if !bytes.Equal(m.Encode(), want) {
		t.Errorf("minimal error = %x, want %x", m.Encode(), want)
	}
}

func TestSSLRequestFrameConstant(t *testing.T) {
	m := Message{Length: LengthBytes(len(SSLRequestPayload)), Payload: SSLRequestPayload}
	if !bytes.Equal(m.Encode(), SSLRequestFrame) {
		t.Errorf("SSLRequest frame = %x, want %x", m.Encode(), SSLRequestFrame)
	}
	if !m.IsSSLRequest() {
		t.Error("frame should be recognised as the SSLRequest")
	}
}
