package issues

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// envelopeSummary labels the disclosure block carrying the machine
// envelope in issue comments.
const envelopeSummary = "HIAMP envelope"

var (
	// fenceRe matches any fenced block; used only inside a disclosure
	// element already labeled as a HIAMP envelope.
	fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\n(.*?)\\n?```")
	// hiampFenceRe matches a fence explicitly tagged hiamp; ordinary
	// code blocks in chatter must not trip the bare-fence fallback.
	hiampFenceRe = regexp.MustCompile("(?s)```hiamp\\n(.*?)\\n?```")
)

// ExtractEnvelopeText reconstructs parseable raw text from an issue
// comment body: the visible text preceding the disclosure block, a
// newline, then the fenced contents of the block. Issue trackers render
// comment markdown with literal HTML disclosure elements, so the block
// is located by parsing the body as an HTML fragment rather than by
// trusting the tracker not to rewrap it.
//
// found is false when the body carries no recoverable envelope block;
// that text is ordinary platform chatter.
func ExtractEnvelopeText(body string) (rawText string, found bool) {
	if block, ok := detailsBlock(body); ok {
		visible := body
		if idx := strings.Index(body, "<details"); idx >= 0 {
			visible = body[:idx]
		}
		return strings.TrimSpace(visible) + "\n" + block, true
	}

	// Some writers post the fence bare, without the disclosure element.
	if m := hiampFenceRe.FindStringSubmatch(body); m != nil {
		visible := hiampFenceRe.ReplaceAllString(body, "")
		return strings.TrimSpace(visible) + "\n" + strings.TrimSpace(m[1]), true
	}

	return "", false
}

// detailsBlock finds the <details> element whose <summary> labels it as
// a HIAMP envelope and returns the fenced contents inside it.
func detailsBlock(body string) (string, bool) {
	if !strings.Contains(body, "<details") {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", false
	}

	var block string
	doc.Find("details").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Find("summary").First().Text()) != envelopeSummary {
			return true
		}
		text := s.Text()
		if m := fenceRe.FindStringSubmatch(text); m != nil {
			block = strings.TrimSpace(m[1])
			return false
		}
		return true
	})
	return block, block != ""
}

// WrapEnvelopeBody renders the comment text posted for an outbound
// envelope: the human-readable header and body, then the machine block
// inside the disclosure element extraction recovers.
func WrapEnvelopeBody(summary, visibleBody, machineBlock string) string {
	var sb strings.Builder
	sb.WriteString(summary)
	sb.WriteString("\n\n")
	if visibleBody != "" {
		sb.WriteString(visibleBody)
		sb.WriteString("\n\n")
	}
	sb.WriteString("<details><summary>")
	sb.WriteString(envelopeSummary)
	sb.WriteString("</summary>\n\n```hiamp\n")
	sb.WriteString(machineBlock)
	sb.WriteString("\n```\n\n</details>")
	return sb.String()
}
