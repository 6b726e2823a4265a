package amqp_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/delivery/amqp"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
)

// Test: a well-formed change message decodes.
func TestDecodeChangeMessage_Valid(t *testing.T) {
	id := uuid.New()
	body := []byte(`{"message_id":"` + id.String() + `","correlation_id":"run-1","source":"sam",` +
		`"entity_type":"holdings","message_type":"SamHoldingImport","identifier":" 12/345/0001 ",` +
		`"created_at":"2025-03-01T02:00:00Z"}`)

	msg, err := amqp.DecodeChangeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, id, msg.MessageID)
	assert.Equal(t, domain.SourceSAM, msg.Source)
	assert.Equal(t, "12/345/0001", msg.Identifier, "identifier should be trimmed")
}

// Test: malformed or incomplete messages are rejected.
func TestDecodeChangeMessage_Invalid(t *testing.T) {
	id := uuid.New().String()
	cases := map[string]string{
		"not json":           `{"message_id":`,
		"missing id":         `{"source":"sam","identifier":"12/345/0001"}`,
		"unknown source":     `{"message_id":"` + id + `","source":"bcms","identifier":"12/345/0001"}`,
		"missing identifier": `{"message_id":"` + id + `","source":"cts","identifier":"  "}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := amqp.DecodeChangeMessage([]byte(body))
			assert.Error(t, err)
		})
	}
}
