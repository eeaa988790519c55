package elmer

/*------------------------------------------------------------------
 *
 * Name:	turn
 *
 * Purpose:	Run one conversational turn against the model, feeding
 *		tool results back until the model stops asking for them.
 *
 * Description:	The engine is synchronous from the dispatcher's point
 *		of view: one call in, one text reply out.  The model may
 *		request tools up to MAX_TOOL_ITERATIONS times in a turn;
 *		each round appends the assistant content and the tool
 *		results to the working message list and calls again.
 *		Session history itself is owned by the session store;
 *		the engine never mutates it.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const MAX_TOOL_ITERATIONS = 5

const STOP_REASON_TOOL_USE = "tool_use"

type TurnEngine struct {
	client LLMClient
	tools  *ToolRegistry

	model       string
	system      string
	maxTokens   int
	temperature float64
	maxIter     int

	log *log.Logger
}

func NewTurnEngine(client LLMClient, tools *ToolRegistry, cfg ClaudeConfig, logger *log.Logger) *TurnEngine {
	if logger == nil {
		logger = log.Default()
	}

	return &TurnEngine{
		client:      client,
		tools:       tools,
		model:       cfg.Model,
		system:      cfg.SystemPrompt,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxIter:     MAX_TOOL_ITERATIONS,
		log:         logger.WithPrefix("turn"),
	}
}

// systemPrompt extends the configured prompt with the operator's
// identity so the model can pass the right callsign to tools.  The
// tools don't trust it (ToolContext is authoritative) but the model
// needs it to compose sensible calls and greetings.
func (e *TurnEngine) systemPrompt(tc ToolContext) string {
	if tc.Callsign == "" {
		return e.system
	}

	return fmt.Sprintf("%s\n\nThe operator you are talking to is %s.", e.system, tc.Callsign)
}

// Run executes one turn: the stored history plus userMsg go to the
// model, tool_use rounds are resolved, and the final text comes back
// with the token usage accumulated across every round.  A client
// error returns the usage burned so far so the query log stays honest.
func (e *TurnEngine) Run(ctx context.Context, history []ChatTurn, userMsg string, tc ToolContext) (string, Usage, error) {
	msgs := make([]APIMessage, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, APIMessage{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, APIMessage{Role: "user", Content: userMsg})

	var defs = e.tools.Definitions()
	var usage Usage
	var last *MessagesResponse

	// Short id correlating the rounds of this turn in the logs.
	var turnID = uuid.New().String()[:8]

	for i := 0; i < e.maxIter; i++ {
		e.log.Debug("model round", "turn", turnID, "round", i+1, "messages", len(msgs))

		resp, err := e.client.Messages(ctx, &MessagesRequest{
			Model:       e.model,
			MaxTokens:   e.maxTokens,
			Temperature: e.temperature,
			System:      e.systemPrompt(tc),
			Messages:    msgs,
			Tools:       defs,
		})
		if err != nil {
			return "", usage, err
		}

		usage.Add(resp.Usage)
		last = resp

		if resp.StopReason != STOP_REASON_TOOL_USE {
			return resp.TextContent(), usage, nil
		}

		var results []ContentBlock
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			out := e.tools.Invoke(ctx, tc, block.Name, block.Input)
			results = append(results, ContentBlock{
				Type:      "tool_result",
				ToolUseID: block.ID,
				Content:   out,
			})
		}

		msgs = append(msgs, APIMessage{Role: "assistant", Content: resp.Content})
		msgs = append(msgs, APIMessage{Role: "user", Content: results})
	}

	// The model was still asking for tools after the last round.
	// Return whatever text it produced alongside the requests.
	e.log.Warn("tool iteration limit reached", "turn", turnID, "callsign", tc.Callsign, "limit", e.maxIter)

	return last.TextContent(), usage, nil
}
