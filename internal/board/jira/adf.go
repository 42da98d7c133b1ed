package jira

import (
	"fmt"
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// adfToMarkdown renders an Atlassian Document Format tree as Markdown
// so issue descriptions can feed agent prompts as plain text.
// Unsupported node types leave a placeholder instead of dropping
// content.
func adfToMarkdown(node *models.CommentNodeScheme) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	writeNode(&b, node, 0, false)
	return strings.TrimRight(b.String(), "\n")
}

func writeNode(b *strings.Builder, node *models.CommentNodeScheme, depth int, inList bool) {
	if node == nil {
		return
	}

	switch node.Type {
	case "doc":
		writeChildren(b, node, depth, false)

	case "paragraph":
		writeChildren(b, node, depth, false)
		if inList {
			b.WriteString("\n")
		} else {
			b.WriteString("\n\n")
		}

	case "heading":
		b.WriteString(strings.Repeat("#", intAttr(node.Attrs, "level", 1)))
		b.WriteString(" ")
		writeChildren(b, node, depth, false)
		b.WriteString("\n\n")

	case "text":
		b.WriteString(markText(node.Text, node.Marks))

	case "hardBreak":
		b.WriteString("  \n")

	case "bulletList":
		for _, child := range node.Content {
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString("- ")
			writeListItem(b, child, depth+1)
		}

	case "orderedList":
		for i, child := range node.Content {
			b.WriteString(strings.Repeat("  ", depth))
			fmt.Fprintf(b, "%d. ", i+1)
			writeListItem(b, child, depth+1)
		}

	case "listItem":
		writeChildren(b, node, depth, true)

	case "codeBlock":
		b.WriteString("```")
		b.WriteString(strAttr(node.Attrs, "language", ""))
		b.WriteString("\n")
		writeChildren(b, node, depth, false)
		b.WriteString("\n```\n\n")

	case "blockquote":
		var inner strings.Builder
		writeChildren(&inner, node, depth, false)
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")

	case "rule":
		b.WriteString("---\n\n")

	case "mention":
		name := strAttr(node.Attrs, "text", "@mention")
		b.WriteString(name)

	case "emoji":
		b.WriteString(strAttr(node.Attrs, "shortName", ""))

	case "inlineCard":
		b.WriteString(strAttr(node.Attrs, "url", ""))

	case "mediaSingle", "mediaGroup":
		b.WriteString("[media]\n\n")

	default:
		fmt.Fprintf(b, "[unsupported: %s]", node.Type)
		writeChildren(b, node, depth, false)
	}
}

func writeChildren(b *strings.Builder, node *models.CommentNodeScheme, depth int, inList bool) {
	for _, child := range node.Content {
		writeNode(b, child, depth, inList)
	}
}

// writeListItem puts the item's first paragraph on the bullet line;
// nested blocks render indented below it.
func writeListItem(b *strings.Builder, node *models.CommentNodeScheme, depth int) {
	if node == nil {
		b.WriteString("\n")
		return
	}
	for i, child := range node.Content {
		if i == 0 && child.Type == "paragraph" {
			writeChildren(b, child, depth, true)
			b.WriteString("\n")
			continue
		}
		writeNode(b, child, depth, true)
	}
}

func markText(text string, marks []*models.MarkScheme) string {
	for _, mark := range marks {
		switch mark.Type {
		case "strong":
			text = "**" + text + "**"
		case "em":
			text = "*" + text + "*"
		case "code":
			text = "`" + text + "`"
		case "strike":
			text = "~~" + text + "~~"
		case "link":
			if mark.Attrs != nil {
				if href, ok := mark.Attrs["href"].(string); ok && href != "" {
					text = "[" + text + "](" + href + ")"
				}
			}
		}
	}
	return text
}

func strAttr(attrs map[string]interface{}, key, fallback string) string {
	if v, ok := attrs[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intAttr(attrs map[string]interface{}, key string, fallback int) int {
	switch n := attrs[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return fallback
	}
}
