package stepexec

import (
	"strings"

	"github.com/tentackl/tentackl/runtime/task"
)

// Agent types receiving injected file-storage context.
var fileStorageAgents = map[string]bool{
	"file_storage": true,
	"save_file":    true,
	"html_to_pdf":  true,
}

// Agent types receiving injected image-generation context on top of the
// file-storage fields.
var imageAgents = map[string]bool{
	"generate_image": true,
}

// maxFolderLen bounds the sanitised folder path derived from the goal.
const maxFolderLen = 60

// systemContext builds the trusted per-agent-type injected values. Values
// come from the task record loaded from the primary store, never from the
// dispatched payload.
func systemContext(t *task.Task, st *task.Step) map[string]any {
	if !fileStorageAgents[st.AgentType] && !imageAgents[st.AgentType] {
		return nil
	}
	sys := map[string]any{
		"organization_id": t.OrgID,
		"workflow_id":     t.ID,
		"agent_id":        st.ID,
		"content_type":    inferContentType(st),
	}
	if imageAgents[st.AgentType] {
		sys["folder_path"] = sanitizeFolder(t.Goal)
		sys["public"] = true
	}
	return sys
}

// inferContentType guesses the stored content type from the agent type and
// inputs.
func inferContentType(st *task.Step) string {
	switch st.AgentType {
	case "generate_image":
		return "image/png"
	case "html_to_pdf":
		return "application/pdf"
	}
	if format, ok := st.Inputs["format"].(string); ok {
		switch strings.ToLower(format) {
		case "pdf":
			return "application/pdf"
		case "html":
			return "text/html"
		case "json":
			return "application/json"
		case "csv":
			return "text/csv"
		}
	}
	return "text/plain"
}

// sanitizeFolder derives a storage folder path from the goal: lowercase,
// non-alphanumeric runs collapsed to single hyphens, bounded length.
func sanitizeFolder(goal string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(goal) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxFolderLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "tasks"
	}
	return out
}
