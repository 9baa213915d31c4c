// Package format converts between agent Markdown and email bodies and builds
// the text the agent sees for an inbound email.
package format

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/k3a/html2text"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const emailWrapperStyle = "font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; font-size: 14px; line-height: 1.5; color: #333;"

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify, extension.Table),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// MarkdownToHTML renders agent Markdown as an HTML email body. Raw HTML in the
// input is not passed through.
func MarkdownToHTML(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		// goldmark only fails on writer errors; fall back to escaped text
		buf.Reset()
		buf.WriteString("<p>")
		buf.WriteString(strings.ReplaceAll(htmlEscape(md), "\n", "<br>"))
		buf.WriteString("</p>")
	}
	return `<div style="` + emailWrapperStyle + `">` + strings.TrimSpace(buf.String()) + `</div>`
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func htmlEscape(s string) string { return htmlEscaper.Replace(s) }

var scriptStyle = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)

// HTMLToText extracts readable text from an HTML email body.
func HTMLToText(htmlContent string) string {
	if strings.TrimSpace(htmlContent) == "" {
		return ""
	}
	htmlContent = scriptStyle.ReplaceAllString(htmlContent, "")
	text := html2text.HTML2Text(htmlContent)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return cleanupWhitespace(text)
}

// cleanupWhitespace collapses runs of blank lines to one and trims the result.
func cleanupWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	result := make([]string, 0, len(lines))
	blank := false

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if !blank {
				result = append(result, "")
			}
			blank = true
			continue
		}
		blank = false
		result = append(result, line)
	}

	return strings.TrimSpace(strings.Join(result, "\n"))
}

// InboundBody lays out an inbound email for the agent:
//
//	Subject: <subject>
//	Attachments: a.pdf, b.png   (only when present)
//
//	<text>
func InboundBody(subject string, attachments []string, text string) string {
	parts := []string{"Subject: " + subject}
	if len(attachments) > 0 {
		parts = append(parts, "Attachments: "+strings.Join(attachments, ", "))
	}
	parts = append(parts, "", text)
	return strings.Join(parts, "\n")
}

// Envelope prefixes body with a header naming the channel, the sender and the
// send time. When prev is set the header also says how long ago the previous
// message in the conversation was.
func Envelope(channel, from string, ts, prev time.Time, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s from %s, %s", channel, from, ts.UTC().Format("Mon 2006-01-02 15:04 MST"))
	if !prev.IsZero() && !prev.After(ts) {
		fmt.Fprintf(&b, ", previous message %s", humanize.RelTime(prev, ts, "earlier", "later"))
	}
	b.WriteString("]\n")
	b.WriteString(body)
	return b.String()
}

var replyPrefix = regexp.MustCompile(`(?i)^re:\s*`)

// ReplySubject returns "Re: <subject>" without stacking prefixes. An empty
// subject stays empty.
func ReplySubject(subject string) string {
	if subject == "" {
		return ""
	}
	return "Re: " + replyPrefix.ReplaceAllString(subject, "")
}
