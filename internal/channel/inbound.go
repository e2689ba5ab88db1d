package channel

import "strings"

const commandPrefix = "!"

// skipInbound reports whether a raw platform message should never reach the
// agents: blank content (attachments, stickers, membership events) or an
// operator command addressed to some other bot.
func skipInbound(content string) bool {
	content = strings.TrimSpace(content)
	return content == "" || strings.HasPrefix(content, commandPrefix)
}
