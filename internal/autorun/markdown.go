package autorun

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// taskPattern matches a top-level checkbox line at any indent:
// `^- [ xX].+$`, indent preserved on rewrite.
var taskPattern = regexp.MustCompile(`^(\s*)- \[([ xX])\] (.*)$`)

var fencePattern = regexp.MustCompile("^\\s*```")

// Task is one parsed checkbox line within a document.
type Task struct {
	Document string
	LineNo int // 0-based index into the document's lines, captured at plan time
	Indent string
	Text string
	Done bool
}

// ParseDocument extracts every checkbox line from markdown content,
// skipping lines inside fenced code blocks and already-checked
// tasks unless includeDone is requested.
func ParseDocument(docName, content string, includeDone bool) []Task {
	lines := strings.Split(content, "\n")
	var tasks []Task
	inFence := false

	for i, line := range lines {
		if fencePattern.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		m := taskPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		done := m[2] == "x" || m[2] == "X"
		if done && !includeDone {
			continue
		}
		tasks = append(tasks, Task{
			Document: docName,
			LineNo: i,
			Indent: m[1],
			Text: strings.TrimSpace(m[3]),
			Done: done,
		})
	}
	return tasks
}

// MarkLineDone rewrites exactly the line at lineNo from `- [ ]` to
// `- [x]`, preserving indent. Returns the updated
// content and whether the expected line still matched at that index.
func MarkLineDone(content string, lineNo int, expectedText string) (string, bool) {
	lines := strings.Split(content, "\n")
	if lineNo < 0 || lineNo >= len(lines) {
		return content, false
	}
	m := taskPattern.FindStringSubmatch(lines[lineNo])
	if m == nil || strings.TrimSpace(m[3]) != expectedText {
		return content, false
	}
	lines[lineNo] = m[1] + "- [x] " + m[3]
	return strings.Join(lines, "\n"), true
}

// MarkTaskDoneByText re-parses the document and marks the first
// unchecked task whose text matches, used when the captured line has
// drifted from the line number recorded at plan time.
func MarkTaskDoneByText(content, expectedText string) (string, bool) {
	lines := strings.Split(content, "\n")
	inFence := false
	for i, line := range lines {
		if fencePattern.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		m := taskPattern.FindStringSubmatch(line)
		if m == nil || m[2] != " " {
			continue
		}
		if strings.TrimSpace(m[3]) != expectedText {
			continue
		}
		lines[i] = m[1] + "- [x] " + m[3]
		return strings.Join(lines, "\n"), true
	}
	return content, false
}

// TemplateContext supplies the substitution values for a task's template
// variables at dispatch time.
type TemplateContext struct {
	AgentName string
	AgentPath string
	AgentSessionID string
	AgentGroup string
	LoopNumber int
	DocumentName string
	Now time.Time
}

// ExpandTemplate replaces {{VAR}} placeholders in a task's text against
// the documented variable set.
func ExpandTemplate(text string, ctx TemplateContext) string {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	replacer := strings.NewReplacer(
		"{{AGENT_NAME}}", ctx.AgentName,
		"{{AGENT_PATH}}", ctx.AgentPath,
		"{{AGENT_SESSION_ID}}", ctx.AgentSessionID,
		"{{AGENT_GROUP}}", ctx.AgentGroup,
		"{{DATE}}", now.Format("2006-01-02"),
		"{{TIME}}", now.Format("15:04:05"),
		"{{LOOP_NUMBER}}", strconv.Itoa(ctx.LoopNumber),
		"{{DOCUMENT_NAME}}", ctx.DocumentName,
	)
	return replacer.Replace(text)
}
