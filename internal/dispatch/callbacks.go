package dispatch

// Callback prefixes. Button data is "prefix:action:payload..." built with
// tgui.Data and routed by the bot on the prefix.
const (
	PrefixRoutine  = "rt"   // done|later|skip  {routineID}:{date}
	PrefixStep     = "rs"   // toggle {routineID}:{date}:{index}, finish {routineID}:{date}
	PrefixCustom   = "cu"   // done|later|skip  {reminderID}:{date}
	PrefixMed      = "md"   // take|skip|later  {logID}
	PrefixWellness = "wl"   // water|meal       {date}:{yes|later}
	PrefixChore    = "ch"   // done|snooze      {taskID}, open
	PrefixBill     = "bl"   // paid             {billID}, open
	PrefixCare     = "care" // done {mark}, open
	PrefixFocus    = "fc"   // checkin {sessionID}:{ok|struggling}, finish {sessionID}:{done|partial|fail}
	PrefixRounds   = "rn"   // again|stop
	PrefixWeight   = "mv"   // weight
	PrefixPlan     = "dp"   // ok|edit|plan {date}, del {date}:{itemID}
	PrefixAffirm   = "af"   // more|thanks
)

const (
	ActDone    = "done"
	ActLater   = "later"
	ActSkip    = "skip"
	ActTake    = "take"
	ActToggle  = "toggle"
	ActFinish  = "finish"
	ActYes     = "yes"
	ActSnooze  = "snooze"
	ActPaid    = "paid"
	ActCheckin = "checkin"
	ActAgain   = "again"
	ActStop    = "stop"
	ActWeight  = "weight"
	ActOpen    = "open"
	ActOK      = "ok"
	ActEdit    = "edit"
	ActDelete  = "del"
	ActPlan    = "plan"
	ActMore    = "more"
	ActThanks  = "thanks"
)
