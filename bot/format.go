package bot

import (
	"html"
	"strings"
)

// formatHTML renders tutor text for Telegram's HTML parse mode.
// Lines between ``` fences become a pre/code block tagged with the fence language;
// everything else is escaped and kept line by line.
func formatHTML(text string) string {
	var (
		out      []string
		code     []string
		language string
		inCode   bool
	)

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "```") {
			if !inCode {
				inCode = true
				language = strings.TrimSpace(line[3:])
				continue
			}
			inCode = false
			out = append(out, codeBlock(language, code))
			code, language = nil, ""
			continue
		}
		if inCode {
			code = append(code, line)
			continue
		}
		out = append(out, html.EscapeString(line))
	}

	// an unterminated fence still shows its content
	if inCode {
		out = append(out, codeBlock(language, code))
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// shorten cuts s to at most n runes, ending cut text with "..."
func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func codeBlock(language string, lines []string) string {
	if language == "" {
		language = "plaintext"
	}
	body := html.EscapeString(strings.TrimSpace(strings.Join(lines, "\n")))
	return `<pre><code class="language-` + html.EscapeString(language) + `">` + body + `</code></pre>`
}
