package agents

import (
	"fmt"
	"sort"
	"strings"

	"github.com/finsight-lab/finsight/internal/providers"
	"github.com/finsight-lab/finsight/internal/store"
)

// Stage numbers of one analysis run. Stages run strictly in order;
// agents within a stage run concurrently.
const (
	StageCollection = 1
	StageSpecialist = 2
	StageDebate     = 3
	StageSynthesis  = 4
	StageCount      = 4
)

// Stage agent rosters.
var (
	collectionAgents = []string{"price_action", "fundamentals", "news", "industry", "fund_flows"}
	specialistAgents = []string{"technical", "fundamental", "sentiment", "risk"}
	debateAgents     = []string{"bull_case", "bear_case"}
	synthesisAgents  = []string{"synthesis"}
)

// Descriptor is one agent's task within a stage.
type Descriptor struct {
	TaskID  string
	Agent   string
	Prompt  string
	Sources []string
}

// Plan builds stage task descriptors for one subject. Stage N+1
// prompts fold in stage N's accumulated outputs, which is why stages
// cannot run concurrently with each other.
type Plan struct {
	subject store.Subject
	data    *providers.SubjectData
}

// NewPlan creates the plan. data may be nil when the market data
// provider was unavailable; collection prompts then note the gap
// instead of aborting the run.
func NewPlan(subject store.Subject, data *providers.SubjectData) *Plan {
	return &Plan{subject: subject, data: data}
}

// Roster returns the agent names of one stage.
func Roster(stage int) []string {
	switch stage {
	case StageCollection:
		return collectionAgents
	case StageSpecialist:
		return specialistAgents
	case StageDebate:
		return debateAgents
	case StageSynthesis:
		return synthesisAgents
	default:
		return nil
	}
}

// Seeds returns the task records to create when a stage begins.
func Seeds(stage int) []store.TaskSeed {
	roster := Roster(stage)
	seeds := make([]store.TaskSeed, len(roster))
	for i, agent := range roster {
		seeds[i] = store.TaskSeed{ID: TaskID(stage, agent), Agent: agent}
	}
	return seeds
}

// TaskID derives the stable task id for an agent in a stage.
func TaskID(stage int, agent string) string {
	return fmt.Sprintf("s%d-%s", stage, agent)
}

// StageTasks builds the descriptors for a stage. prior holds the
// previous stage's completed outputs keyed by agent; agents whose
// output is missing are mentioned as unavailable so later stages
// degrade instead of failing.
func (p *Plan) StageTasks(stage int, prior map[string]store.TaskOutput) []Descriptor {
	roster := Roster(stage)
	descs := make([]Descriptor, len(roster))
	for i, agent := range roster {
		descs[i] = Descriptor{
			TaskID:  TaskID(stage, agent),
			Agent:   agent,
			Prompt:  p.prompt(stage, agent, prior),
			Sources: p.sources(stage),
		}
	}
	return descs
}

func (p *Plan) prompt(stage int, agent string, prior map[string]store.TaskOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s", p.subject.Ticker)
	if p.subject.Name != "" {
		fmt.Fprintf(&b, " (%s)", p.subject.Name)
	}
	b.WriteString("\n\n")

	switch stage {
	case StageCollection:
		p.writeFacts(&b, agent)
		fmt.Fprintf(&b, "Role: %s data collector. Summarize the relevant facts above into a concise briefing. If facts are missing, state what is unavailable.\n", agent)
	case StageSpecialist:
		writePrior(&b, "collection briefings", prior)
		fmt.Fprintf(&b, "Role: %s analyst. Produce a focused %s assessment from the briefings above.\n", agent, agent)
	case StageDebate:
		writePrior(&b, "specialist assessments", prior)
		side := "strongest bull case"
		if agent == "bear_case" {
			side = "strongest bear case"
		}
		fmt.Fprintf(&b, "Role: debater. Argue the %s using the assessments above, conceding points the evidence does not support.\n", side)
	case StageSynthesis:
		writePrior(&b, "debate arguments", prior)
		b.WriteString("Role: lead analyst. Weigh both sides above and produce the final report with a one-line rating.\n")
	}
	return b.String()
}

// writeFacts folds the fetched market data relevant to one collection
// agent into the prompt.
func (p *Plan) writeFacts(b *strings.Builder, agent string) {
	if p.data == nil {
		b.WriteString("Market data: unavailable for this run.\n\n")
		return
	}
	switch agent {
	case "price_action", "fund_flows":
		if q := p.data.Quote; q != nil {
			fmt.Fprintf(b, "Quote: last=%.2f change=%.2f (%.2f%%) volume=%d\n", q.Last, q.Change, q.ChangePct, q.Volume)
		}
	case "fundamentals", "industry":
		keys := make([]string, 0, len(p.data.Fundamentals))
		for k := range p.data.Fundamentals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, "%s: %s\n", k, p.data.Fundamentals[k])
		}
	case "news":
		for _, h := range p.data.Headlines {
			fmt.Fprintf(b, "- %s\n", h)
		}
	}
	b.WriteString("\n")
}

func writePrior(b *strings.Builder, label string, prior map[string]store.TaskOutput) {
	fmt.Fprintf(b, "Prior %s:\n", label)
	agents := make([]string, 0, len(prior))
	for agent := range prior {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		out := prior[agent]
		fmt.Fprintf(b, "[%s]\n%s\n\n", agent, out.Text)
	}
	if len(agents) == 0 {
		b.WriteString("(no prior outputs available; proceed with general knowledge and note the gap)\n\n")
	}
}

func (p *Plan) sources(stage int) []string {
	if stage == StageCollection && p.data != nil {
		return []string{"marketdata"}
	}
	return nil
}
