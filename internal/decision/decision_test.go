package decision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/activation/internal/jsoncodec"
	"github.com/kkkkikiki/activation/internal/model"
)

func TestOverrideMatches(t *testing.T) {
	o := Override{WeightMultiplier: 2, Condition: &Condition{Field: "segment", Value: "new"}}
	assert.True(t, o.Matches(map[string]any{"segment": "NEW"}))
	assert.False(t, o.Matches(map[string]any{"segment": "returning"}))
	assert.False(t, o.Matches(nil))
	assert.True(t, Override{}.Matches(nil))
}

func TestStatic(t *testing.T) {
	s := Static{"c1": {{RewardType: model.RewardCredit, WeightMultiplier: 3}}}

	got, err := s.Overrides(context.Background(), "c1", nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.Overrides(context.Background(), "c2", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClient_RoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle(OverridesProcedure, connect.NewUnaryHandler(OverridesProcedure,
		func(_ context.Context, req *connect.Request[OverridesRequest]) (*connect.Response[OverridesResponse], error) {
			if req.Msg.CampaignID != "c1" {
				return nil, connect.NewError(connect.CodeNotFound, errors.New("unknown campaign"))
			}
			return connect.NewResponse(&OverridesResponse{Overrides: []Override{{
				RewardType:       model.RewardPercentage,
				WeightMultiplier: 1.5,
				Urgency:          "high",
				Source:           "spotlight",
			}}}), nil
		},
		jsoncodec.Option(),
	))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.Client(), srv.URL)

	got, err := client.Overrides(context.Background(), "c1", map[string]any{"segment": "new"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.RewardPercentage, got[0].RewardType)
	assert.Equal(t, 1.5, got[0].WeightMultiplier)

	_, err = client.Overrides(context.Background(), "c2", nil)
	assert.Error(t, err)
}
