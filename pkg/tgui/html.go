package tgui

import (
	"html"
	"strings"
)

// H is HTML already escaped for Telegram's HTML parse mode.
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw trusts s as markup.
func Raw(s string) H { return H(s) }

func tag(name, s string) H {
	return H("<" + name + ">" + html.EscapeString(s) + "</" + name + ">")
}

func B(s string) H    { return tag("b", s) }
func I(s string) H    { return tag("i", s) }
func Code(s string) H { return tag("code", s) }

// Link renders an anchor. Telegram rejects unescaped quotes in href.
func Link(text, url string) H {
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// JoinH joins the non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(string(p))
	}
	return H(b.String())
}
