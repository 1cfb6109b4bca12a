package classify

import "testing"

func TestDeviceCommandMatches(t *testing.T) {
	cases := []struct {
		text string
		want Command
	}{
		{"take a photo", CmdTakePhoto},
		{"snap a picture of that", CmdTakePhoto},
		{"capture a shot", CmdTakePhoto},
		{"what's my battery level", CmdBatteryStatus},
		{"how much battery is left", CmdBatteryStatus},
		{"read my schedule", CmdReadSchedule},
		{"what's on my calendar", CmdReadSchedule},
		{"any notifications", CmdReadNotifications},
		{"volume up", CmdVolumeUp},
		{"volume down", CmdVolumeDown},
		{"speak louder", CmdVolumeUp},
	}
	for _, tc := range cases {
		got, ok := DeviceCommand(tc.text)
		if !ok || got != tc.want {
			t.Fatalf("DeviceCommand(%q) = %v, %v; want %v", tc.text, got, ok, tc.want)
		}
	}
}

func TestDeviceCommandNoMatch(t *testing.T) {
	for _, text := range []string{
		"",
		"what's the weather",
		"who painted this picture",
		"tell me about loud music",
	} {
		if cmd, ok := DeviceCommand(text); ok {
			t.Fatalf("DeviceCommand(%q) = %v, want no match", text, cmd)
		}
	}
}

func TestCommandString(t *testing.T) {
	if CmdTakePhoto.String() != "take_photo" {
		t.Fatalf("got %q", CmdTakePhoto.String())
	}
	if CmdNone.String() != "none" {
		t.Fatalf("got %q", CmdNone.String())
	}
}
