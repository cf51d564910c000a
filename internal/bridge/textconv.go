package bridge

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/logging"
)

// htmlToText renders an HTML message body down to plain text, grounded
// on messages.py's use of html2text.HTML2Text().handle(body): that
// library actually renders HTML as Markdown-ish text, which
// html-to-markdown's default converter reproduces closely enough to
// serve the same "convert_to_text: html2text" network config knob.
func htmlToText(body string) (string, error) {
	converter := md.NewConverter("", true, nil)
	text, err := converter.ConvertString(body)
	if err != nil {
		return "", fmt.Errorf("bridge: converting html to text: %w", err)
	}
	// html2text.handle always ends its output with a blank line; strip
	// it the same way messages.py's _create_matrix_text_payload does.
	return strings.TrimSuffix(text, "\n\n"), nil
}

// markdownToHTML renders a markdown message body to HTML, grounded on
// messages.py's _render_payload_for_client use of markdown.markdown()
// for the "convert_from_text: markdown" network config knob.
func markdownToHTML(body string) (string, error) {
	var buf strings.Builder
	if err := goldmark.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("bridge: rendering markdown: %w", err)
	}
	return buf.String(), nil
}

// convertToText converts body per the network's convert_to_text setting.
// An unknown converter name falls through to the raw body with an error
// logged on every call, per SPEC_FULL.md §9's resolution of the corresponding
// original-source misconfiguration branch.
func convertToText(converter, body string) string {
	switch converter {
	case "":
		return body
	case "html2text":
		text, err := htmlToText(body)
		if err != nil {
			logging.Error(nil, "html-to-text conversion failed, using raw body", zap.Error(err))
			return body
		}
		return text
	default:
		logging.Error(nil, "unknown convert_to_text converter configured, using raw body",
			zap.String("converter", converter))
		return body
	}
}

// convertFromText renders body per the network's convert_from_text
// setting, returning body unchanged for an unknown converter name.
func convertFromText(converter, body string) string {
	switch converter {
	case "":
		return body
	case "markdown":
		rendered, err := markdownToHTML(body)
		if err != nil {
			logging.Error(nil, "markdown rendering failed, using raw body", zap.Error(err))
			return body
		}
		return rendered
	default:
		logging.Error(nil, "unknown convert_from_text converter configured, using raw body",
			zap.String("converter", converter))
		return body
	}
}
