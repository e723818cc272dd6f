package router

import (
	"html"
	"strings"
)

// helpText renders the command list in HTML. Owner-only commands are shown
// only to owners.
func (m *CommandManager) helpText(from int64) string {
	owner := isOwner(from, m.ownersSnapshot())

	m.mu.RLock()
	defer m.mu.RUnlock()

	lines := []string{"<b>Commands</b>"}
	for _, name := range m.order {
		c := m.commands[name]
		if c == nil || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		usage := strings.TrimSpace(c.Usage)
		if usage == "" {
			usage = "/" + c.Name
		}
		line := "• <code>" + html.EscapeString(usage) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
