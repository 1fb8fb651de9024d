package wire

import (
	"testing"
)

func TestMarshalStableAttributeOrder(t *testing.T) {
	el := New("presence", map[string]string{
		"to": "room@conference.example.com/alice",
		"id": "join-1",
	}, New("x", map[string]string{"xmlns": "http://jabber.org/protocol/muc"}))

	out, err := Marshal(el)
	if err != nil {
		t.Fatalf("marshal returned error: %v", err)
	}

	want := `<presence id="join-1" to="room@conference.example.com/alice"><x xmlns="http://jabber.org/protocol/muc"></x></presence>`
	if string(out) != want {
		t.Fatalf("unexpected encoding:\n got %s\nwant %s", out, want)
	}
}

func TestUnmarshalKeepsSubtree(t *testing.T) {
	raw := `<message from='room@conference.example.com/bob' type='groupchat' id='m1'>` +
		`<body>hello</body>` +
		`<data senderName='Bob' isSystemMessage='false'/>` +
		`</message>`

	el, err := Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}

	if !el.Is("message") {
		t.Fatalf("expected message element, got %q", el.Name)
	}
	if got := el.Attr("from"); got != "room@conference.example.com/bob" {
		t.Fatalf("unexpected from attribute: %q", got)
	}
	if got := el.ChildText("body"); got != "hello" {
		t.Fatalf("unexpected body text: %q", got)
	}
	data, ok := el.Child("data")
	if !ok {
		t.Fatalf("expected data child")
	}
	if data.Attr("senderName") != "Bob" {
		t.Fatalf("unexpected senderName: %q", data.Attr("senderName"))
	}
}

func TestMatchesAttributeFilters(t *testing.T) {
	el, err := Unmarshal([]byte(`<iq type='result' id='store-1'><query xmlns='jabber:iq:private'/></iq>`))
	if err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}

	if !el.Matches("iq", map[string]string{"type": "result", "id": "store-1"}) {
		t.Fatalf("expected iq to match type+id filters")
	}
	if el.Matches("iq", map[string]string{"type": "error"}) {
		t.Fatalf("did not expect iq to match type=error")
	}
	if el.Matches("message", nil) {
		t.Fatalf("did not expect kind mismatch to match")
	}
	// Empty filter value means presence-only.
	if !el.Matches("iq", map[string]string{"id": ""}) {
		t.Fatalf("expected presence-only filter to match")
	}
}

func TestChildAbsentPath(t *testing.T) {
	el := New("iq", map[string]string{"type": "result"})
	if _, ok := el.Child("query", "chats"); ok {
		t.Fatalf("expected absent path to report false")
	}
	if got := el.ChildText("query"); got != "" {
		t.Fatalf("expected empty text for absent child, got %q", got)
	}
}

func TestMalformedInputReportsError(t *testing.T) {
	if _, err := Unmarshal([]byte(`<message><body>unterminated`)); err == nil {
		t.Fatalf("expected error for malformed fragment")
	}
}
