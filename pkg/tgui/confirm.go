package tgui

// ConfirmInline builds a single-row yes/no keyboard.
func ConfirmInline(yes, no string, yesData, noData string) *Inline {
	return NewInline().Row(Btn(yes, yesData), Btn(no, noData))
}
