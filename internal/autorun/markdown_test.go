package autorun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDocument_ExtractsUncheckedTasks(t *testing.T) {
	content := "# Plan\n- [ ] first\n- [x] already done\n  - [ ] nested\n"
	tasks := ParseDocument("doc.md", content, false)

	assert.Len(t, tasks, 2)
	assert.Equal(t, "first", tasks[0].Text)
	assert.Equal(t, "nested", tasks[1].Text)
	assert.Equal(t, "  ", tasks[1].Indent)
}

func TestParseDocument_IncludesDoneWhenRequested(t *testing.T) {
	content := "- [ ] first\n- [x] done\n"
	tasks := ParseDocument("doc.md", content, true)
	assert.Len(t, tasks, 2)
	assert.True(t, tasks[1].Done)
}

func TestParseDocument_SkipsFencedCodeBlocks(t *testing.T) {
	content := "- [ ] real task\n```\n- [ ] not a task\n```\n"
	tasks := ParseDocument("doc.md", content, false)
	assert.Len(t, tasks, 1)
	assert.Equal(t, "real task", tasks[0].Text)
}

func TestMarkLineDone_RewritesExactLine(t *testing.T) {
	content := "- [ ] alpha\n- [ ] beta\n"
	updated, ok := MarkLineDone(content, 1, "beta")
	assert.True(t, ok)
	assert.Equal(t, "- [ ] alpha\n- [x] beta\n", updated)
}

func TestMarkLineDone_FailsOnDrift(t *testing.T) {
	content := "- [ ] alpha\n- [ ] beta\n"
	_, ok := MarkLineDone(content, 1, "gamma")
	assert.False(t, ok)
}

func TestMarkTaskDoneByText_RecoversFromDrift(t *testing.T) {
	content := "- [ ] alpha\n- [ ] beta\n- [ ] gamma\n"
	updated, ok := MarkTaskDoneByText(content, "beta")
	assert.True(t, ok)
	assert.Contains(t, updated, "- [x] beta")
	assert.Contains(t, updated, "- [ ] gamma")
}

func TestExpandTemplate_SubstitutesAllVariables(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	text := "{{AGENT_NAME}} on {{AGENT_PATH}} session {{AGENT_SESSION_ID}} group {{AGENT_GROUP}} loop {{LOOP_NUMBER}} doc {{DOCUMENT_NAME}} at {{DATE}} {{TIME}}"
	out := ExpandTemplate(text, TemplateContext{
		AgentName: "claude-code", AgentPath: "/repo", AgentSessionID: "abc",
		AgentGroup: "g1", LoopNumber: 3, DocumentName: "plan.md", Now: now,
	})
	assert.Equal(t, "claude-code on /repo session abc group g1 loop 3 doc plan.md at 2026-01-02 15:04:05", out)
}
