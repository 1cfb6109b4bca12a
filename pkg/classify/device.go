package classify

import "regexp"

// Command is a device action recognized directly from utterance text,
// executed without involving the agent.
type Command int

const (
	CmdNone Command = iota
	CmdTakePhoto
	CmdBatteryStatus
	CmdReadSchedule
	CmdReadNotifications
	CmdVolumeUp
	CmdVolumeDown
)

func (c Command) String() string {
	switch c {
	case CmdTakePhoto:
		return "take_photo"
	case CmdBatteryStatus:
		return "battery_status"
	case CmdReadSchedule:
		return "read_schedule"
	case CmdReadNotifications:
		return "read_notifications"
	case CmdVolumeUp:
		return "volume_up"
	case CmdVolumeDown:
		return "volume_down"
	default:
		return "none"
	}
}

type commandRule struct {
	cmd Command
	re  *regexp.Regexp
}

// Ordered: first match wins. Patterns run against lowercased text and must
// stay cheap enough for the hot path; no network, no model calls.
var commandRules = []commandRule{
	{CmdTakePhoto, regexp.MustCompile(`\b(take|snap|capture|shoot)\b.{0,24}\b(photo|picture|pic|shot|selfie)\b`)},
	{CmdTakePhoto, regexp.MustCompile(`\b(photo|picture) (of )?(this|that)\b`)},
	{CmdBatteryStatus, regexp.MustCompile(`\b(battery|charge) (level|status|left|remaining)\b`)},
	{CmdBatteryStatus, regexp.MustCompile(`\bhow (much|full).{0,16}\b(battery|charge|power)\b`)},
	{CmdBatteryStatus, regexp.MustCompile(`\bbattery\b`)},
	{CmdReadSchedule, regexp.MustCompile(`\b(read|check|what.?s? on)\b.{0,16}\b(schedule|calendar|agenda)\b`)},
	{CmdReadSchedule, regexp.MustCompile(`\b(my )?(schedule|calendar|agenda)( today| for today)?\b`)},
	{CmdReadNotifications, regexp.MustCompile(`\b(read|check|any|show)\b.{0,16}\bnotifications?\b`)},
	{CmdReadNotifications, regexp.MustCompile(`\bnotifications?\b`)},
	{CmdVolumeUp, regexp.MustCompile(`\b(volume|speak|turn it) (up|louder)\b`)},
	{CmdVolumeDown, regexp.MustCompile(`\b(volume|speak|turn it) (down|quieter|softer)\b`)},
}

// DeviceCommand returns the first matching device command for the query,
// or CmdNone when the query is not a structural command.
func DeviceCommand(text string) (Command, bool) {
	t := lowerTrim(text)
	if t == "" {
		return CmdNone, false
	}
	for _, rule := range commandRules {
		if rule.re.MatchString(t) {
			return rule.cmd, true
		}
	}
	return CmdNone, false
}
