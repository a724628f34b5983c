package toolloop

import "github.com/llama-nexus/llama-nexus/internal/openai"

// DeltaAggregator reassembles fragmented tool_calls deltas from a streaming
// chat response, index-based, per OpenAI's streaming semantics. C7 buffers
// until a finish_reason=="tool_calls" event before dispatching tools.
type DeltaAggregator struct {
	content   string
	callsByIdx map[int]*openai.ToolCall
	order      []int
	done      bool
	finishReason string
}

func NewDeltaAggregator() *DeltaAggregator {
	return &DeltaAggregator{callsByIdx: make(map[int]*openai.ToolCall)}
}

// Delta is the minimal shape of one SSE chunk's choices[0].delta field.
type Delta struct {
	Content   string            `json:"content"`
	ToolCalls []openai.ToolCall `json:"tool_calls"`
}

// Feed merges one delta event into the running aggregate.
func (a *DeltaAggregator) Feed(delta Delta, finishReason string) {
	a.content += delta.Content
	for _, tc := range delta.ToolCalls {
		existing, ok := a.callsByIdx[tc.Index]
		if !ok {
			cloned := tc
			a.callsByIdx[tc.Index] = &cloned
			a.order = append(a.order, tc.Index)
			continue
		}
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Function.Name != "" {
			existing.Function.Name += tc.Function.Name
		}
		existing.Function.Arguments += tc.Function.Arguments
	}
	if finishReason != "" {
		a.finishReason = finishReason
		a.done = true
	}
}

// Done reports whether a finish_reason has been observed.
func (a *DeltaAggregator) Done() bool { return a.done }

// IsToolCalls reports whether the terminal finish_reason was "tool_calls".
func (a *DeltaAggregator) IsToolCalls() bool { return a.finishReason == "tool_calls" }

// Message materializes the reassembled assistant message.
func (a *DeltaAggregator) Message() openai.ChatMessage {
	msg := openai.ChatMessage{Role: "assistant", Content: a.content}
	for _, idx := range a.order {
		msg.ToolCalls = append(msg.ToolCalls, *a.callsByIdx[idx])
	}
	return msg
}

// HeartbeatFrame is the keep-alive comment emitted while tools execute
// during a streaming turn, per §4.7 step 5.
const HeartbeatFrame = ": keep-alive\n\n"
