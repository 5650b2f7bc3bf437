package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight-lab/finsight/internal/providers"
	"github.com/finsight-lab/finsight/internal/store"
)

func TestRosterShape(t *testing.T) {
	assert.Len(t, Roster(StageCollection), 5)
	assert.Len(t, Roster(StageSpecialist), 4)
	assert.Len(t, Roster(StageDebate), 2)
	assert.Len(t, Roster(StageSynthesis), 1)
	assert.Nil(t, Roster(5))
}

func TestSeedsMatchRoster(t *testing.T) {
	seeds := Seeds(StageCollection)
	require.Len(t, seeds, 5)
	assert.Equal(t, "s1-price_action", seeds[0].ID)
	assert.Equal(t, "price_action", seeds[0].Agent)
}

func TestCollectionPromptsFoldInMarketData(t *testing.T) {
	plan := NewPlan(store.Subject{Ticker: "600519", Name: "Kweichow Moutai"}, &providers.SubjectData{
		Ticker:    "600519",
		Quote:     &providers.Quote{Last: 1700.5, Change: -12.3, ChangePct: -0.72, Volume: 2900000},
		Headlines: []string{"Distributor conference signals steady pricing"},
	})

	descs := plan.StageTasks(StageCollection, nil)
	require.Len(t, descs, 5)

	byAgent := map[string]Descriptor{}
	for _, d := range descs {
		byAgent[d.Agent] = d
	}
	assert.Contains(t, byAgent["price_action"].Prompt, "last=1700.50")
	assert.Contains(t, byAgent["news"].Prompt, "Distributor conference")
	assert.Contains(t, byAgent["news"].Prompt, "600519")
	assert.Equal(t, []string{"marketdata"}, byAgent["news"].Sources)
}

func TestCollectionPromptsDegradeWithoutData(t *testing.T) {
	plan := NewPlan(store.Subject{Ticker: "600519"}, nil)
	descs := plan.StageTasks(StageCollection, nil)
	for _, d := range descs {
		assert.Contains(t, d.Prompt, "unavailable")
		assert.Nil(t, d.Sources)
	}
}

func TestLaterStagePromptsFoldInPriorOutputs(t *testing.T) {
	plan := NewPlan(store.Subject{Ticker: "600519"}, nil)
	prior := map[string]store.TaskOutput{
		"news":         {Text: "headline digest"},
		"fundamentals": {Text: "margin trends"},
	}

	descs := plan.StageTasks(StageSpecialist, prior)
	require.Len(t, descs, 4)
	assert.Contains(t, descs[0].Prompt, "headline digest")
	assert.Contains(t, descs[0].Prompt, "margin trends")

	// Empty prior still yields a usable prompt (degraded continuation).
	empty := plan.StageTasks(StageDebate, nil)
	assert.Contains(t, empty[0].Prompt, "note the gap")
}
