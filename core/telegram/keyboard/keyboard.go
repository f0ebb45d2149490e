// Package keyboard builds inline keyboards for prompts answered by a
// single registered callback.
package keyboard

import tele "gopkg.in/telebot.v4"

// Choice is one button: the label shown and the payload sent back.
type Choice struct {
	Label   string
	Payload string
}

// Column stacks one button per row. Every button carries unique, so a
// single callback handler receives all answers and tells them apart by
// payload.
func Column(unique string, choices ...Choice) *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(choices))
	for _, ch := range choices {
		rows = append(rows, m.Row(m.Data(ch.Label, unique, ch.Payload)))
	}
	m.Inline(rows...)
	return m
}
