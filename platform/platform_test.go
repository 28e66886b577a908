package platform

import "testing"

func TestProfilesDecode(t *testing.T) {
	if err := Err(); err != nil {
		t.Fatal(err)
	}
	all := All()
	if len(all) < 2 {
		t.Fatalf("got %d profiles", len(all))
	}
	for _, p := range all {
		if len(p.VideoSelectors) == 0 {
			t.Errorf("%s: no video selectors", p.Name)
		}
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		host    string
		enabled []string
		want    string
	}{
		{"meet.google.com", nil, "google-meet"},
		{"MEET.GOOGLE.COM.", nil, "google-meet"},
		{"us02web.zoom.us", nil, "zoom"},
		{"app.zoom.us", nil, "zoom"},
		{"teams.microsoft.com", nil, "teams"},
		{"acme.webex.com", nil, "webex"},
		{"meet.jit.si", nil, "jitsi"},
		{"google.com", nil, Generic},
		{"notzoom.us", nil, Generic},
		{"", nil, Generic},
		{"meet.google.com", []string{"zoom"}, Generic},
		{"meet.google.com", []string{"zoom", "google-meet"}, "google-meet"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := Select(tt.host, tt.enabled).Name; got != tt.want {
				t.Errorf("Select(%q) = %q, want %q", tt.host, got, tt.want)
			}
		})
	}
}

func TestSelectDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		if got := Select("us02web.zoom.us", nil).Name; got != "zoom" {
			t.Fatalf("iteration %d: got %q", i, got)
		}
	}
}

func TestLookup(t *testing.T) {
	p, ok := Lookup("teams")
	if !ok {
		t.Fatal("teams profile missing")
	}
	if len(p.Indicators.InMeeting) == 0 {
		t.Error("teams profile has no in-meeting indicators")
	}
	if _, ok := Lookup("myspace"); ok {
		t.Error("unexpected profile")
	}
}
