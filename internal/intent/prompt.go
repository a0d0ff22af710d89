package intent

import (
	"fmt"
	"strings"

	"github.com/KaramelBytes/chartloom/internal/ai"
)

const systemPrompt = `You translate questions about a tabular dataset into a chart query.
Reply with ONE JSON object and nothing else. No prose, no code fences.

Shape:
{
  "dataQuery": "group" | "filter-only" | "raw",
  "dimension": "<column to group by or label rows with>",
  "bucket": "day" | "month" | "quarter" | "year",
  "measure": "<column to aggregate>",
  "aggregation": "SUM" | "AVG" | "COUNT" | "MIN" | "MAX",
  "filters": [{"column": "<column>", "operator": "=" | "!=" | ">" | ">=" | "<" | "<=" | "IN", "value": <value or array for IN>}],
  "series": {"column": "<column>", "values": [<value>, ...]},
  "chartType": "bar" | "line" | "pie" | "scatter" | "area",
  "limit": <rows for raw or filter-only>,
  "explanation": "<one sentence for the user>"
}

Rules:
- Use column names exactly as listed in the dataset context, including case.
- SUM, AVG, MIN and MAX need a numeric measure. COUNT works on any column or none.
- "bucket" only applies when the dimension is a DATE column.
- Dates are written as YYYY-MM-DD. A whole year is two filters: >= YYYY-01-01 and <= YYYY-12-31.
- Use "series" only to compare specific values of one column ("A vs B").
- Omit keys you do not need.
- Later requests may refine earlier ones; keep earlier filters unless the latest request changes them.`

// PromptInput is everything the model sees for one request.
type PromptInput struct {
	Dataset   string
	Context   string // rendered summary JSON
	Prior     []string
	Utterance string
}

// BuildMessages renders the system and user messages. Prior turns are
// included in order, oldest first.
func BuildMessages(p PromptInput) []ai.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset: %s\n", p.Dataset)
	b.WriteString("Dataset context (columns, types and sample rows):\n")
	b.WriteString(p.Context)
	b.WriteString("\n\n")
	if len(p.Prior) > 0 {
		b.WriteString("Earlier requests in this conversation, oldest first:\n")
		for i, t := range p.Prior {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(t))
		}
		b.WriteString("\n")
	}
	b.WriteString("Current request: ")
	b.WriteString(strings.TrimSpace(p.Utterance))
	return []ai.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// Reprompt extends msgs with the rejected answer and the reason, asking the
// model for a corrected object.
func Reprompt(msgs []ai.Message, rejected string, reason error) []ai.Message {
	out := append([]ai.Message{}, msgs...)
	out = append(out,
		ai.Message{Role: "assistant", Content: rejected},
		ai.Message{Role: "user", Content: fmt.Sprintf(
			"That answer was rejected: %v. Reply with a corrected JSON object only.", reason)},
	)
	return out
}
