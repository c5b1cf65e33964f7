package search

// RepairToolCallIntegrity guarantees that every assistant message with
// tool_calls is immediately followed by one tool message per call, in
// order, matching tool_call_id — the invariant providers enforce on chat
// history (spec §4.7's "Tool-call integrity repair").
//
// When strict is false (the default), dangling tool calls are patched with
// synthesized "(skipped)" placeholder tool messages. When strict is true,
// the offending assistant message (and any of its orphaned tool messages)
// is dropped instead, trading history completeness for never fabricating
// tool output.
func RepairToolCallIntegrity(messages []Message, strict bool) []Message {
	repaired := make([]Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role != "assistant" || len(msg.ToolCalls) == 0 {
			repaired = append(repaired, msg)
			continue
		}

		matched := make([]Message, len(msg.ToolCalls))
		found := make([]bool, len(msg.ToolCalls))
		j := i + 1
		for ; j < len(messages) && messages[j].Role == "tool"; j++ {
			idx := indexOfToolCall(msg.ToolCalls, messages[j].ToolCallID)
			if idx < 0 || idx >= len(matched) {
				break
			}
			matched[idx] = messages[j]
			found[idx] = true
		}

		complete := true
		for _, ok := range found {
			if !ok {
				complete = false
				break
			}
		}

		if complete {
			repaired = append(repaired, msg)
			for k := 0; k < len(msg.ToolCalls); k++ {
				repaired = append(repaired, matched[k])
			}
			i = j - 1
			continue
		}

		if strict {
			// Drop the assistant message and any tool messages it orphaned.
			i = j - 1
			continue
		}

		repaired = append(repaired, msg)
		for k, tc := range msg.ToolCalls {
			if found[k] {
				repaired = append(repaired, matched[k])
				continue
			}
			repaired = append(repaired, Message{
				Role:       "tool",
				Content:    "(skipped)",
				ToolCallID: tc.ID,
			})
		}
		i = j - 1
	}

	return repaired
}

func indexOfToolCall(calls []ToolCall, id string) int {
	for i, c := range calls {
		if c.ID == id {
			return i
		}
	}
	return -1
}
