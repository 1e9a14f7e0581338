// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers (plugin:action:payload)
//   - A message builder that escapes text for ParseMode="HTML"
package tgui
