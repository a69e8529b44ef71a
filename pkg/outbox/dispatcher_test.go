package outbox

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/costwatchdog/engine/pkg/alertdispatch"
)

func TestAnomalyDetectedPayload_JSONRoundTrip(t *testing.T) {
	want := anomalyDetectedPayload{
		AnomalyID:    uuid.New(),
		CostRecordID: uuid.New(),
		Type:         "yoy_deviation",
		Severity:     "critical",
	}

	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got anomalyDetectedPayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestChannelTarget_FieldsPreserved(t *testing.T) {
	target := ChannelTarget{Channel: alertdispatch.ChannelEmail, Recipient: "ops@example.com"}
	if target.Channel != alertdispatch.ChannelEmail {
		t.Errorf("Channel = %v, want %v", target.Channel, alertdispatch.ChannelEmail)
	}
	if target.Recipient != "ops@example.com" {
		t.Errorf("Recipient = %q, want %q", target.Recipient, "ops@example.com")
	}
}

func TestDispatchLockKey_IsStable(t *testing.T) {
	// The advisory lock key must never change once deployed: a changed key
	// would let two dispatcher instances drain the outbox concurrently
	// across a rolling deploy that mixes old and new binaries.
	if dispatchLockKey != 0x6f757462 {
		t.Fatalf("dispatchLockKey drifted from its stable value: got %#x", dispatchLockKey)
	}
}
