package task

// Different processor builds spell the echo fields differently, so callback
// bodies are decoded loosely and the interesting fields pulled out by a
// fixed precedence order. First non-empty string wins.
var (
	idFields     = []string{"taskId", "task_id", "id"}
	resultFields = []string{"result", "data", "output"}
)

// ExtractTaskID returns the correlation id carried by a loosely decoded
// callback body. Precedence: taskId, task_id, id.
func ExtractTaskID(body map[string]any) (string, bool) {
	return firstString(body, idFields)
}

// ExtractResult returns the result content carried by a loosely decoded
// callback body. Precedence: result, data, output.
func ExtractResult(body map[string]any) (string, bool) {
	return firstString(body, resultFields)
}

func firstString(body map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := body[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
