package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.inbox/internal/model"
)

func TestPrintOut_UsesJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	output = "yaml"
	require.NoError(t, printOut(&buf, model.ConversationSummary{ViewerID: "vendor", CounterpartID: "admin", UnreadCount: 2}))
	assert.Contains(t, buf.String(), "counterpart_id: admin")
	assert.Contains(t, buf.String(), "unread_count: 2")

	buf.Reset()
	output = "json"
	defer func() { output = "yaml" }()
	require.NoError(t, printOut(&buf, map[string]int{"count": 1}))
	assert.JSONEq(t, `{"count":1}`, buf.String())
}
