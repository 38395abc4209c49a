package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFormatLine(t *testing.T) {
	deadline := time.Date(2026, 11, 20, 12, 15, 0, 0, time.UTC)
	line := FormatLine(Event{
		Type:          KeyOfferNotice,
		ReservationID: "r1",
		UserID:        "bob",
		RestaurantID:  "rest-1",
		SlotTime:      time.Date(2026, 11, 20, 19, 0, 0, 0, time.UTC),
		OfferDeadline: &deadline,
		OccurredAt:    time.Date(2026, 11, 20, 12, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "[2026-11-20T12:00:00Z] reallocation.notice | reservation_id=r1 | user_id=bob | restaurant_id=rest-1 | slot=2026-11-20T19:00:00Z | offer_deadline=2026-11-20T12:15:00Z\n", line)

	line = FormatLine(Event{Type: KeyCompensation, Step: "confirm", PaymentID: "pay_1", AmountCents: 2500, Message: "void pending"})
	assert.Contains(t, line, "| payment_id=pay_1")
	assert.Contains(t, line, "| amount=2500 cents")
	assert.Contains(t, line, "| step=confirm")
	assert.Contains(t, line, `| message="void pending"`)
}

func TestAuditConsumer_HandleMessage(t *testing.T) {
	dir := t.TempDir()
	c := &AuditConsumer{Dir: dir, Log: zap.NewNop()}

	for _, id := range []string{"r1", "r2"} {
		body, err := json.Marshal(Event{Type: KeyCancellation, ReservationID: id, RefundStatus: "requested"})
		require.NoError(t, err)
		require.NoError(t, c.HandleMessage(body))
	}

	raw, err := os.ReadFile(filepath.Join(dir, "reallocation.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "reservation_id=r1")
	assert.Contains(t, lines[1], "refund=requested")

	assert.Error(t, c.HandleMessage([]byte("{not json")))
}
