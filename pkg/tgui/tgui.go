package tgui

import kit "tgrelay/internal/transport"

// Inline builds inline keyboard rows for kit.SendOptions.Keyboard.
type Inline struct {
	rows [][]kit.Button
}

func NewInline() *Inline { return &Inline{} }

// Row appends a row of buttons. Empty rows are skipped.
func (i *Inline) Row(btn ...kit.Button) *Inline {
	if len(btn) > 0 {
		i.rows = append(i.rows, btn)
	}
	return i
}

func (i *Inline) Rows() [][]kit.Button { return i.rows }

// Btn creates a callback button with raw callback data.
func Btn(text, data string) kit.Button {
	return kit.Button{Text: text, Data: data}
}
