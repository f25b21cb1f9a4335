package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/agentloop/domain"
)

func seedConfirmation(t *testing.T, f *fixture) *domain.Confirmation {
	t.Helper()
	ctx := context.Background()
	assert.NoError(t, f.store.CreateSession(ctx, &domain.Session{SessionID: "s1", UserID: "u1", CreatedAt: time.Now()}))
	assert.NoError(t, f.store.CreateRun(ctx, &domain.Run{RunID: "r1", SessionID: "s1", Input: "seeded", State: domain.AgentStateWaitingConfirm, StartedAt: time.Now()}))
	assert.NoError(t, f.store.CreateToolCall(ctx, &domain.ToolCall{
		ToolCallID: "tc_1",
		RunID:      "r1",
		SessionID:  "s1",
		ToolName:   "file_write",
		RiskLevel:  domain.RiskLevelMedium,
		Status:     domain.ToolCallStatusPending,
		Args:       json.RawMessage(`{"path":"/tmp/a"}`),
		CreatedAt:  time.Now(),
	}))
	conf := &domain.Confirmation{
		ConfirmationID: "cf_1",
		SessionID:      "s1",
		RunID:          "r1",
		ToolCallID:     "tc_1",
		ToolName:       "file_write",
		RiskLevel:      domain.RiskLevelMedium,
		Description:    "file_write requires approval",
		Status:         domain.ConfirmationStatusPending,
		TimeoutMs:      300000,
		CreatedAt:      time.Now(),
	}
	assert.NoError(t, f.store.CreateConfirmation(ctx, conf))
	return conf
}

func TestDecideConfirmation(t *testing.T) {
	f := newTestHandler(t)
	conf := seedConfirmation(t, f)

	c, rec := f.request(http.MethodPost, "/v1/confirmations/"+conf.ConfirmationID, `{"approved":true,"decided_by":"alice"}`)
	c.SetPath("/v1/confirmations/:confirmation_id")
	c.SetParamNames("confirmation_id")
	c.SetParamValues(conf.ConfirmationID)
	assert.NoError(t, f.handler.DecideConfirmation(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp domain.ConfirmResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.ConfirmationStatusApproved, resp.Status)
	assert.Equal(t, "tc_1", resp.ToolCallID)
	assert.Equal(t, domain.ToolCallStatusPending, resp.ToolCallStatus)

	// A conflicting retry reports the recorded decision, not the new one.
	c, rec = f.request(http.MethodPost, "/v1/confirmations/"+conf.ConfirmationID, `{"approved":false,"feedback":"too late"}`)
	c.SetPath("/v1/confirmations/:confirmation_id")
	c.SetParamNames("confirmation_id")
	c.SetParamValues(conf.ConfirmationID)
	assert.NoError(t, f.handler.DecideConfirmation(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.ConfirmationStatusApproved, resp.Status)

	stored, err := f.store.GetConfirmation(context.Background(), conf.ConfirmationID)
	assert.NoError(t, err)
	assert.Equal(t, "alice", stored.DecidedBy)
	assert.NotNil(t, stored.DecidedAt)
}

func TestDecideConfirmationNotFound(t *testing.T) {
	f := newTestHandler(t)

	c, rec := f.request(http.MethodPost, "/v1/confirmations/cf_missing", `{"approved":true}`)
	c.SetPath("/v1/confirmations/:confirmation_id")
	c.SetParamNames("confirmation_id")
	c.SetParamValues("cf_missing")
	assert.NoError(t, f.handler.DecideConfirmation(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetConfirmation(t *testing.T) {
	f := newTestHandler(t)
	conf := seedConfirmation(t, f)

	c, rec := f.request(http.MethodGet, "/v1/confirmations/"+conf.ConfirmationID, "")
	c.SetPath("/v1/confirmations/:confirmation_id")
	c.SetParamNames("confirmation_id")
	c.SetParamValues(conf.ConfirmationID)
	assert.NoError(t, f.handler.GetConfirmation(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var got domain.Confirmation
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.ConfirmationStatusPending, got.Status)
	assert.Equal(t, "file_write", got.ToolName)

	c, rec = f.request(http.MethodGet, "/v1/confirmations/cf_missing", "")
	c.SetPath("/v1/confirmations/:confirmation_id")
	c.SetParamNames("confirmation_id")
	c.SetParamValues("cf_missing")
	assert.NoError(t, f.handler.GetConfirmation(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
