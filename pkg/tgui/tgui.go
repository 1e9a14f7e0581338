package tgui

import kit "carebot/internal/transport"

// Inline is a small builder for inline keyboards.
type Inline struct {
	rows kit.Keyboard
}

func NewInline() *Inline { return &Inline{} }

// Row appends a row; empty rows are ignored.
func (i *Inline) Row(btn ...kit.Button) *Inline {
	if len(btn) > 0 {
		i.rows = append(i.rows, append([]kit.Button(nil), btn...))
	}
	return i
}

// Keyboard returns the built rows (nil when empty).
func (i *Inline) Keyboard() kit.Keyboard {
	if i == nil || len(i.rows) == 0 {
		return nil
	}
	return i.rows
}

// Btn creates a callback button with raw callback data.
// Use Data to build "plugin:action:payload".
func Btn(text, data string) kit.Button {
	return kit.Button{Text: text, Data: data}
}

// URLBtn creates a URL button.
func URLBtn(text, url string) kit.Button {
	return kit.Button{Text: text, URL: url}
}

// Grid splits buttons into rows of n columns.
func Grid(n int, buttons []kit.Button) kit.Keyboard {
	if n <= 0 {
		n = 1
	}
	var kb kit.Keyboard
	for len(buttons) > 0 {
		k := min(n, len(buttons))
		kb = append(kb, append([]kit.Button(nil), buttons[:k]...))
		buttons = buttons[k:]
	}
	return kb
}
