package tracker

import (
	"fmt"
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// markdownFromADF flattens an Atlassian Document Format tree into
// markdown. Jira Cloud returns descriptions as ADF; the analysis prompt
// wants plain text. Unknown node types leave a visible placeholder so
// content is never dropped silently.
func markdownFromADF(doc *models.CommentNodeScheme) string {
	if doc == nil {
		return ""
	}
	var r adfRenderer
	r.node(doc, 0, false)
	return strings.TrimRight(r.b.String(), "\n")
}

type adfRenderer struct {
	b strings.Builder
}

func (r *adfRenderer) node(n *models.CommentNodeScheme, depth int, inList bool) {
	if n == nil {
		return
	}
	switch n.Type {
	case "doc":
		r.children(n, depth, false)

	case "paragraph":
		r.children(n, depth, false)
		if inList {
			r.b.WriteString("\n")
		} else {
			r.b.WriteString("\n\n")
		}

	case "heading":
		r.b.WriteString(strings.Repeat("#", adfAttrInt(n.Attrs, "level", 1)))
		r.b.WriteString(" ")
		r.children(n, depth, false)
		r.b.WriteString("\n\n")

	case "text":
		r.b.WriteString(markedText(n.Text, n.Marks))

	case "hardBreak":
		r.b.WriteString("  \n")

	case "bulletList":
		r.list(n, depth, func(int) string { return "- " })

	case "orderedList":
		r.list(n, depth, func(i int) string { return fmt.Sprintf("%d. ", i+1) })

	case "listItem":
		r.children(n, depth, true)

	case "codeBlock":
		r.b.WriteString("```")
		r.b.WriteString(adfAttrString(n.Attrs, "language"))
		r.b.WriteString("\n")
		r.children(n, depth, false)
		r.b.WriteString("\n```\n\n")

	case "blockquote":
		var inner adfRenderer
		inner.children(n, depth, false)
		for _, line := range strings.Split(strings.TrimRight(inner.b.String(), "\n"), "\n") {
			r.b.WriteString("> ")
			r.b.WriteString(line)
			r.b.WriteString("\n")
		}
		r.b.WriteString("\n")

	case "rule":
		r.b.WriteString("---\n\n")

	case "table":
		r.table(n)

	case "mediaSingle", "mediaGroup":
		r.b.WriteString("[media]\n\n")

	case "mention":
		if name := adfAttrString(n.Attrs, "text"); name != "" {
			r.b.WriteString(name)
		} else {
			r.b.WriteString("@mention")
		}

	case "emoji":
		r.b.WriteString(adfAttrString(n.Attrs, "shortName"))

	case "inlineCard":
		r.b.WriteString(adfAttrString(n.Attrs, "url"))

	default:
		fmt.Fprintf(&r.b, "[unsupported: %s]", n.Type)
		r.children(n, depth, false)
	}
}

func (r *adfRenderer) children(n *models.CommentNodeScheme, depth int, inList bool) {
	for _, child := range n.Content {
		r.node(child, depth, inList)
	}
}

func (r *adfRenderer) list(n *models.CommentNodeScheme, depth int, prefix func(i int) string) {
	for i, item := range n.Content {
		r.b.WriteString(strings.Repeat("  ", depth))
		r.b.WriteString(prefix(i))
		if item == nil {
			r.b.WriteString("\n")
			continue
		}
		for j, child := range item.Content {
			if j == 0 && child.Type == "paragraph" {
				// First paragraph rides the bullet line.
				r.children(child, depth+1, true)
				r.b.WriteString("\n")
			} else {
				r.node(child, depth+1, true)
			}
		}
	}
}

func (r *adfRenderer) table(n *models.CommentNodeScheme) {
	var rows [][]string
	for _, row := range n.Content {
		if row.Type != "tableRow" {
			continue
		}
		var cells []string
		for _, cell := range row.Content {
			var cr adfRenderer
			cr.children(cell, 0, false)
			cells = append(cells, strings.TrimSpace(cr.b.String()))
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return
	}

	r.b.WriteString("| " + strings.Join(rows[0], " | ") + " |\n")
	r.b.WriteString("|")
	for range rows[0] {
		r.b.WriteString(" --- |")
	}
	r.b.WriteString("\n")
	for _, row := range rows[1:] {
		r.b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	r.b.WriteString("\n")
}

func markedText(text string, marks []*models.MarkScheme) string {
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
		case "underline":
			text = "_" + text + "_"
		case "link":
			if href, ok := mark.Attrs["href"].(string); ok && href != "" {
				text = "[" + text + "](" + href + ")"
			}
		}
	}
	return text
}

func adfAttrString(attrs map[string]interface{}, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func adfAttrInt(attrs map[string]interface{}, key string, fallback int) int {
	switch n := attrs[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}
