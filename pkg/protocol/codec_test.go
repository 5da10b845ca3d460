package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestHeartbeatResponse_RoundTrip(t *testing.T) {
	in := HeartbeatResponse{
		RequestID: "aGVhcnRiZWF0MTcwMDAwMDAwMA==",
		Code:      RespAccept,
		PipelineCheckResults: []ConfigCheckResult{
			{Name: "nginx", NewVersion: 1, Status: StatusNew},
			{Name: "app", OldVersion: 3, NewVersion: 4, Status: StatusModified, Context: "ctx"},
			{Name: "old", OldVersion: 2, Status: StatusDeleted},
		},
	}

	var out HeartbeatResponse
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchResponse_DetailBodyIsCopied(t *testing.T) {
	in := FetchResponse{
		RequestID:     "req",
		ConfigDetails: []ConfigDetail{{Name: "x", Version: 2, Detail: []byte("log_path: /var/log\n")}},
	}
	b := in.Marshal()

	var out FetchResponse
	if err := out.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	// Scribble over the wire buffer; the decoded body must not alias it.
	for i := range b {
		b[i] = 0
	}
	if got := string(out.ConfigDetails[0].Detail); got != "log_path: /var/log\n" {
		t.Errorf("Detail aliased the input buffer: got %q", got)
	}
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	req := HeartbeatRequest{RequestID: "r1", AgentID: "agent-1", Tags: []string{"a", "b"}}
	b := req.Marshal()
	// Append fields a newer peer might send.
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)
	b = protowire.AppendTag(b, 100, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	var out HeartbeatRequest
	if err := out.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal with unknown fields: %v", err)
	}
	if out.RequestID != "r1" || out.AgentID != "agent-1" {
		t.Errorf("known fields: got %+v", out)
	}
	if diff := cmp.Diff([]string{"a", "b"}, out.Tags); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
}

func TestUnmarshal_Truncated(t *testing.T) {
	req := FetchRequest{
		RequestID:  "r",
		AgentID:    "a",
		ReqConfigs: []ConfigInfo{{Name: "cfg", Version: 7}},
	}
	b := req.Marshal()

	var out FetchRequest
	if err := out.Unmarshal(b[:len(b)-2]); err == nil {
		t.Fatal("expected error for truncated message, got nil")
	}
}

func TestUnmarshal_Garbage(t *testing.T) {
	var out HeartbeatResponse
	if err := out.Unmarshal([]byte("<html>502 Bad Gateway</html>")); err == nil {
		// Some garbage decodes by accident; it must at least not carry a request id.
		if out.RequestID == "req" {
			t.Fatal("garbage decoded into a matching request id")
		}
	}
}

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		s    CheckStatus
		want string
	}{
		{StatusUnchanged, "UNCHANGED"},
		{StatusNew, "NEW"},
		{StatusDeleted, "DELETED"},
		{StatusModified, "MODIFIED"},
		{CheckStatus(42), "CheckStatus(42)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("%d.String(): got %q, want %q", int32(tc.s), got, tc.want)
		}
	}
}
