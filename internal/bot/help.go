package bot

import (
	"strings"

	"carebot/pkg/tgui"
)

// helpMessage lists commands, or details one command when args names it.
// Owner-only commands are shown to owners only.
func helpMessage(cmds []Command, args []string, owner bool) tgui.Message {
	visible := cmds[:0:0]
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		visible = append(visible, c)
	}

	if len(args) > 0 {
		want := commandWord(args[0])
		for _, c := range visible {
			if c.Name != want && !contains(c.Aliases, want) {
				continue
			}
			b := tgui.New().Title("📖", "/"+c.Name).Line(c.Description).KV("Usage", c.Usage)
			if len(c.Aliases) > 0 {
				b.KV("Aliases", "/"+strings.Join(c.Aliases, ", /"))
			}
			return b.Build()
		}
		return tgui.New().Title("❓", "Unknown command").Line("Try /help for the list.").Build()
	}

	b := tgui.New().Title("📚", "Commands").Line("Send /help command for details.").Blank()
	for _, c := range visible {
		line := "/" + c.Name
		if c.Description != "" {
			line += ": " + c.Description
		}
		if c.Access == AccessOwnerOnly {
			line += " 🔒"
		}
		b.Line(line)
	}
	return b.Build()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
