package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeSendMessage}},
		{name: "missing version", env: Envelope{Type: TypeJoin}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeJoin}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message.send"}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate()=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestUserStatusPayload_SnapshotShape(t *testing.T) {
	t.Parallel()

	var single UserStatusPayload
	if err := json.Unmarshal([]byte(`{"userId":"u1","isOnline":true}`), &single); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if single.IsSnapshot() {
		t.Fatalf("single transition decoded as snapshot")
	}

	var snap UserStatusPayload
	if err := json.Unmarshal([]byte(`{"isOnline":false,"online":{"u2":true}}`), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !snap.IsSnapshot() || !snap.Online["u2"] {
		t.Fatalf("snapshot=%+v", snap)
	}

	// A snapshot with nobody else online must still read back as a snapshot.
	b, err := json.Marshal(UserStatusPayload{Online: map[string]bool{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var empty UserStatusPayload
	if err := json.Unmarshal(b, &empty); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !empty.IsSnapshot() || len(empty.Online) != 0 {
		t.Fatalf("empty snapshot=%s decoded=%+v", b, empty)
	}

	b, _ = json.Marshal(UserStatusPayload{UserID: "u1", IsOnline: true})
	if strings.Contains(string(b), "online\"") {
		t.Fatalf("transition carries snapshot map: %s", b)
	}
}

func TestSendMessagePayload_OmitsZeroTimestamp(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(SendMessagePayload{SenderID: "a", ReceiverID: "b", Message: "hi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["timestamp"]; ok {
		t.Fatalf("zero timestamp serialized: %s", b)
	}

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b, err = json.Marshal(SendMessagePayload{SenderID: "a", ReceiverID: "b", Message: "hi", Timestamp: ts})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env := Envelope{V: Version, Type: TypeSendMessage, Payload: b}
	var p SendMessagePayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Timestamp.Equal(ts) {
		t.Fatalf("timestamp=%v want=%v", p.Timestamp, ts)
	}
}

func TestEnvelopeDecode_MissingPayload(t *testing.T) {
	t.Parallel()

	var p JoinPayload
	if err := (Envelope{V: Version, Type: TypeJoin}).Decode(&p); err == nil {
		t.Fatalf("expected error for missing payload")
	}
}
