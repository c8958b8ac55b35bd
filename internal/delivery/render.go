package delivery

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// maxTopicsPerItem はダイジェスト内で1件あたりに表示するトピック数の上限。
const maxTopicsPerItem = 5

// digestItem はテンプレートに渡す1件分の表示データ。
type digestItem struct {
	Index   int
	Subject string
	Region  string
	Date    string
	Topics  []string
	Link    string
	Excerpt string
}

// digestView はテンプレートに渡すダイジェスト全体の表示データ。
type digestView struct {
	Count          int
	Items          []digestItem
	PreferencesURL string
	UnsubscribeURL string
}

// Links はダイジェスト本文の末尾に載せるリンク。空のリンクは表示しない。
type Links struct {
	PreferencesURL string
	UnsubscribeURL string
}

// Message は送信用に組み立てたメール本文。
type Message struct {
	Subject string
	Text    string
	HTML    string
}

var textTmpl = texttemplate.Must(texttemplate.New("digest.txt").
	Funcs(texttemplate.FuncMap{"join": strings.Join}).
	Parse(`DAILY NEWSLETTER DIGEST
Newsletters matching your notification rules

You have {{.Count}} newsletters to review:

{{range .Items}}{{.Index}}. {{.Subject}}
{{if .Region}}Ward: {{.Region}}
{{end}}Date: {{.Date}}
{{if .Excerpt}}
{{.Excerpt}}
{{end}}{{if .Topics}}
Topics: {{join .Topics ", "}}
{{end}}{{if .Link}}
Read more: {{.Link}}
{{end}}
------------------------------------------------------------

{{end}}
Manage your notification preferences: {{.PreferencesURL}}
{{if .UnsubscribeURL}}Unsubscribe from digest emails: {{.UnsubscribeURL}}
{{end}}`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("digest.html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Daily Newsletter Digest</title></head>
<body>
<h1>Daily Newsletter Digest</h1>
<p>Newsletters matching your notification rules</p>
{{range .Items}}<div class="newsletter">
<h2>{{.Subject}}</h2>
<p>{{if .Region}}Ward {{.Region}} &bull; {{end}}{{.Date}}</p>
{{if .Excerpt}}<p>{{.Excerpt}}</p>{{end}}
{{if .Topics}}<p>{{range .Topics}}<span class="topic">{{.}}</span> {{end}}</p>{{end}}
{{if .Link}}<a href="{{.Link}}">Read full newsletter</a>{{end}}
</div>
{{end}}<p><a href="{{.PreferencesURL}}">Manage your notification preferences</a></p>
{{if .UnsubscribeURL}}<p><a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>
{{end}}</body>
</html>
`))

// RenderDigest はダイジェストから件名とテキスト/HTML本文を組み立てる。
// コンテンツはダイジェスト内の順序（受信日時の昇順）で並べる。
func RenderDigest(digest model.Digest, links Links, loc *time.Location) (Message, error) {
	if loc == nil {
		loc = time.UTC
	}

	view := digestView{
		Count:          len(digest.Contents),
		PreferencesURL: links.PreferencesURL,
		UnsubscribeURL: links.UnsubscribeURL,
	}
	for i, c := range digest.Contents {
		topics := c.Topics
		if len(topics) > maxTopicsPerItem {
			topics = topics[:maxTopicsPerItem]
		}
		subject := c.Subject
		if subject == "" {
			subject = "Untitled Newsletter"
		}
		view.Items = append(view.Items, digestItem{
			Index:   i + 1,
			Subject: subject,
			Region:  c.Region,
			Date:    c.ReceivedAt.In(loc).Format("January 2, 2006"),
			Topics:  topics,
			Link:    c.SourceURL,
			Excerpt: excerpt(c.Body, 280),
		})
	}

	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, view); err != nil {
		return Message{}, fmt.Errorf("テキスト本文の生成に失敗しました: %w", err)
	}
	if err := htmlTmpl.Execute(&html, view); err != nil {
		return Message{}, fmt.Errorf("HTML本文の生成に失敗しました: %w", err)
	}

	return Message{
		Subject: fmt.Sprintf("Your Daily Newsletter Digest (%d newsletters)", len(digest.Contents)),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

// excerpt は本文の先頭を最大maxRunes文字で切り出す。空白は1つにまとめる。
func excerpt(body string, maxRunes int) string {
	s := strings.Join(strings.Fields(body), " ")
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
