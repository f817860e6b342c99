// Package tokenizer estimates prompt/completion token counts for the
// Router core's usage accounting (spec §4.1 TPM/RPM counters, §4.4 cost
// tracking) ahead of a provider call returning real usage numbers —
// PreCallChecks needs an estimate to enforce a token-budget limit before
// the request is ever sent. Counting follows OpenAI's documented chat
// token-accounting algorithm (per-message overhead + tool/tool_choice
// definitions + reply primer), extended to tolerate Anthropic-shaped
// content blocks (tool_use/tool_result) since both adapters' requests
// flow through the same estimator.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/blueberrycongee/llmux/pkg/types"
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

const (
	replyPrimerTokenCount        = 3
	functionDefinitionTokenCount = 9
	toolChoiceNoneTokenCount     = 1
	toolChoiceObjectTokenCount   = 7
	systemMessageToolAdjustment  = 4
)

// messageCountParams bundles the per-model overhead constants a chat
// token count needs, plus a closure over CountTextTokens bound to the
// model so callers don't thread the model string through every helper.
type messageCountParams struct {
	tokensPerMessage int
	tokensPerName    int
	countTokens      func(string) int
}

func newMessageCountParams(model string) messageCountParams {
	normalized := normalizeModelName(model)
	params := messageCountParams{
		tokensPerMessage: 3,
		tokensPerName:    1,
		countTokens: func(text string) int {
			return CountTextTokens(model, text)
		},
	}

	// gpt-3.5-turbo-0301 used a different per-message accounting before
	// OpenAI standardized it in later snapshots.
	if normalized == "gpt-3.5-turbo-0301" {
		params.tokensPerMessage = 4
		params.tokensPerName = -1
	}

	return params
}

// CountTextTokens returns the token count for text using the model's
// tiktoken encoding, falling back to a conservative len/4 estimate when
// no encoding is registered for the model.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePromptTokens estimates the prompt-side token cost of a chat
// request, including tool/tool_choice definitions.
func EstimatePromptTokens(model string, req *types.ChatRequest) int {
	if req == nil {
		return 0
	}

	return countChatTokens(model, req.Messages, req.Tools, req.ToolChoice, false)
}

// EstimateEmbeddingTokens estimates the token cost of an embedding
// request's input, across its string/[]string/[]int/[][]int forms.
func EstimateEmbeddingTokens(model string, req *types.EmbeddingRequest) int {
	if req == nil || req.Input == nil {
		return 0
	}

	input := req.Input
	if input.Text != nil {
		return CountTextTokens(model, *input.Text)
	}
	if len(input.Texts) > 0 {
		total := 0
		for _, text := range input.Texts {
			total += CountTextTokens(model, text)
		}
		return total
	}
	if len(input.Tokens) > 0 {
		return len(input.Tokens)
	}
	if len(input.TokensList) > 0 {
		total := 0
		for _, tokens := range input.TokensList {
			total += len(tokens)
		}
		return total
	}
	return 0
}

// EstimateCompletionTokens estimates a response's output token count from
// its choices, falling back to counting fallbackText when the response
// has none (e.g. a streamed response reassembled from deltas).
func EstimateCompletionTokens(model string, resp *types.ChatResponse, fallbackText string) int {
	if resp != nil && len(resp.Choices) > 0 {
		messages := make([]types.ChatMessage, 0, len(resp.Choices))
		for i := range resp.Choices {
			messages = append(messages, resp.Choices[i].Message)
		}
		total := countChatTokens(model, messages, nil, nil, true)
		if total > 0 {
			return total
		}
	}

	return CountTextTokens(model, fallbackText)
}

// EstimateCompletionTokensFromText estimates assistant output tokens from
// raw completion text, for callers (e.g. a mock/test response path) that
// never built a full ChatResponse.
func EstimateCompletionTokensFromText(model, text string) int {
	if text == "" {
		return 0
	}
	raw, err := json.Marshal(text)
	if err != nil {
		return CountTextTokens(model, text)
	}
	msg := types.ChatMessage{
		Role:    "assistant",
		Content: raw,
	}
	return countChatTokens(model, []types.ChatMessage{msg}, nil, nil, true)
}

func countChatTokens(model string, messages []types.ChatMessage, tools []types.Tool, toolChoice json.RawMessage, countResponseTokens bool) int {
	params := newMessageCountParams(model)
	total := 0
	for _, msg := range messages {
		total += countMessageTokens(params, msg)
	}
	if !countResponseTokens {
		total += countExtraTokens(params, messages, tools, toolChoice)
	}
	return total
}

func countMessageTokens(params messageCountParams, msg types.ChatMessage) int {
	total := params.tokensPerMessage
	if msg.Role != "" {
		total += params.countTokens(msg.Role)
	}
	if msg.Name != "" {
		total += params.countTokens(msg.Name)
		total += params.tokensPerName
	}
	total += countContentTokens(params, msg.Content)
	total += countToolCallsTokens(params, msg.ToolCalls)
	if msg.ToolCallID != "" {
		total += params.countTokens(msg.ToolCallID)
	}
	return total
}

func countToolCallsTokens(params messageCountParams, calls []types.ToolCall) int {
	if len(calls) == 0 {
		return 0
	}
	total := 0
	for _, call := range calls {
		if call.Function.Arguments != "" {
			total += params.countTokens(call.Function.Arguments)
		}
	}
	return total
}

func countExtraTokens(params messageCountParams, messages []types.ChatMessage, tools []types.Tool, toolChoice json.RawMessage) int {
	total := replyPrimerTokenCount

	if len(tools) > 0 {
		definition := formatFunctionDefinitions(tools)
		if definition != "" {
			total += params.countTokens(definition)
		}
		total += functionDefinitionTokenCount
		if hasSystemMessage(messages) {
			total -= systemMessageToolAdjustment
		}
	}

	total += countToolChoiceTokens(params, toolChoice)
	return total
}

func countToolChoiceTokens(params messageCountParams, toolChoice json.RawMessage) int {
	if len(toolChoice) == 0 {
		return 0
	}

	var choiceStr string
	if err := json.Unmarshal(toolChoice, &choiceStr); err == nil {
		switch choiceStr {
		case "none":
			return toolChoiceNoneTokenCount
		case "auto", "":
			return 0
		default:
			return 0
		}
	}

	var choiceObj map[string]any
	if err := json.Unmarshal(toolChoice, &choiceObj); err != nil {
		return 0
	}

	functionName := ""
	if fnObj, ok := choiceObj["function"].(map[string]any); ok {
		if name, ok := fnObj["name"].(string); ok {
			functionName = name
		}
	}
	if functionName == "" {
		return 0
	}

	return toolChoiceObjectTokenCount + params.countTokens(functionName)
}

func hasSystemMessage(messages []types.ChatMessage) bool {
	for _, msg := range messages {
		if msg.Role == "system" {
			return true
		}
	}
	return false
}

func countContentTokens(params messageCountParams, raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}

	var content string
	if err := json.Unmarshal(raw, &content); err == nil {
		return params.countTokens(content)
	}

	var parts []any
	if err := json.Unmarshal(raw, &parts); err == nil {
		return countContentList(params, parts)
	}

	return params.countTokens(string(raw))
}

func countContentList(params messageCountParams, content []any) int {
	total := 0
	for _, item := range content {
		switch v := item.(type) {
		case string:
			total += params.countTokens(v)
		case map[string]any:
			total += countContentItem(params, v)
		default:
			if raw, err := json.Marshal(v); err == nil {
				total += params.countTokens(string(raw))
			}
		}
	}
	return total
}

func countContentItem(params messageCountParams, item map[string]any) int {
	itemType, _ := item["type"].(string)
	switch itemType {
	case "text":
		if text, ok := item["text"].(string); ok {
			return params.countTokens(text)
		}
		if text, ok := item["input_text"].(string); ok {
			return params.countTokens(text)
		}
	case "input_text":
		if text, ok := item["input_text"].(string); ok {
			return params.countTokens(text)
		}
		if text, ok := item["text"].(string); ok {
			return params.countTokens(text)
		}
	case "image_url":
		return countImageTokens(item)
	case "tool_use", "tool_result":
		return countAnthropicContentTokens(params, item)
	}

	if text, ok := item["text"].(string); ok && itemType == "" {
		return params.countTokens(text)
	}
	if raw, err := json.Marshal(item); err == nil {
		return params.countTokens(string(raw))
	}
	return 0
}

// countAnthropicContentTokens counts a Messages API tool_use/tool_result
// block's payload fields, skipping envelope fields (id, type, ...) that
// carry no text the model actually reads.
func countAnthropicContentTokens(params messageCountParams, content map[string]any) int {
	skipFields := map[string]struct{}{
		"type":          {},
		"id":            {},
		"tool_use_id":   {},
		"cache_control": {},
		"is_error":      {},
	}

	total := 0
	for key, value := range content {
		if _, ok := skipFields[key]; ok {
			continue
		}
		switch v := value.(type) {
		case string:
			total += params.countTokens(v)
		case []any:
			total += countContentList(params, v)
		case map[string]any:
			if raw, err := json.Marshal(v); err == nil {
				total += params.countTokens(string(raw))
			}
		}
	}
	return total
}

func formatFunctionDefinitions(tools []types.Tool) string {
	if len(tools) == 0 {
		return ""
	}
	lines := []string{"namespace functions {", ""}
	for _, tool := range tools {
		function := tool.Function
		if function.Description != "" {
			lines = append(lines, fmt.Sprintf("// %s", function.Description))
		}
		parameters := map[string]any{}
		if len(function.Parameters) > 0 {
			_ = json.Unmarshal(function.Parameters, &parameters)
		}
		properties, _ := parameters["properties"].(map[string]any)
		if len(properties) > 0 {
			lines = append(
				lines,
				fmt.Sprintf("type %s = (_: {", function.Name),
				formatObjectParameters(parameters, 0),
				"}) => any;",
			)
		} else {
			lines = append(lines, fmt.Sprintf("type %s = () => any;", function.Name))
		}
		lines = append(lines, "")
	}
	lines = append(lines, "} // namespace functions")
	return strings.Join(lines, "\n")
}

func formatObjectParameters(parameters map[string]any, indent int) string {
	properties, _ := parameters["properties"].(map[string]any)
	if len(properties) == 0 {
		return ""
	}

	requiredSet := map[string]bool{}
	if required, ok := parameters["required"].([]any); ok {
		for _, item := range required {
			if name, ok := item.(string); ok {
				requiredSet[name] = true
			}
		}
	}

	keys := make([]string, 0, len(properties))
	for key := range properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(properties))
	for _, key := range keys {
		props, _ := properties[key].(map[string]any)
		if description, ok := props["description"].(string); ok && description != "" {
			lines = append(lines, strings.Repeat(" ", indent)+"// "+description)
		}
		question := "?"
		if requiredSet[key] {
			question = ""
		}
		lines = append(lines, strings.Repeat(" ", indent)+fmt.Sprintf("%s%s: %s,", key, question, formatType(props, indent)))
	}

	return strings.Join(lines, "\n")
}

func formatType(props map[string]any, indent int) string {
	typ, _ := props["type"].(string)
	switch typ {
	case "string":
		if enumVals, ok := props["enum"].([]any); ok && len(enumVals) > 0 {
			return formatEnum(enumVals)
		}
		return "string"
	case "array":
		items, _ := props["items"].(map[string]any)
		return fmt.Sprintf("%s[]", formatType(items, indent))
	case "object":
		return fmt.Sprintf("{\n%s\n}", formatObjectParameters(props, indent+2))
	case "integer", "number":
		if enumVals, ok := props["enum"].([]any); ok && len(enumVals) > 0 {
			return formatEnum(enumVals)
		}
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	default:
		return "any"
	}
}

func formatEnum(values []any) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		switch v := value.(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%q", v))
		default:
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	return strings.Join(parts, " | ")
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	if strings.Contains(base, "gpt-4o") {
		if enc, err := tiktoken.GetEncoding("o200k_base"); err == nil {
			encodingCache.Store(base, enc)
			return enc
		}
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

// normalizeModelName strips a deployment's "provider/model" prefix, if
// any, before looking up a tiktoken encoding — the encoding table only
// knows bare OpenAI model names.
func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
