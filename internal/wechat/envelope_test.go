package wechat

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseTextMessage(t *testing.T) {
	doc := []byte(`<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[oUser123]]></FromUserName>
		<CreateTime>1700000000</CreateTime>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[hello wisp]]></Content>
		<MsgId>4242424242</MsgId>
	</xml>`)

	msg, err := ParseMessage(doc)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if msg.ToUser != "gh_account" || msg.FromUser != "oUser123" {
		t.Errorf("addressing = %q -> %q", msg.FromUser, msg.ToUser)
	}
	if msg.CreateTime != 1700000000 || msg.MsgID != 4242424242 {
		t.Errorf("create_time=%d msg_id=%d", msg.CreateTime, msg.MsgID)
	}
	text, ok := msg.Payload.(TextPayload)
	if !ok {
		t.Fatalf("payload = %T, want TextPayload", msg.Payload)
	}
	if text.Content != "hello wisp" {
		t.Errorf("content = %q", text.Content)
	}
}

func TestParseScanEvent(t *testing.T) {
	doc := []byte(`<xml>
		<ToUserName>gh_account</ToUserName>
		<FromUserName>oUser123</FromUserName>
		<CreateTime>1700000000</CreateTime>
		<MsgType>event</MsgType>
		<Event>subscribe</Event>
		<EventKey>qrscene_77</EventKey>
		<Ticket>tick-1</Ticket>
	</xml>`)

	msg, err := ParseMessage(doc)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	ev, ok := msg.Payload.(EventPayload)
	if !ok {
		t.Fatalf("payload = %T, want EventPayload", msg.Payload)
	}
	if ev.Event != EventSubscribe || ev.EventKey != "qrscene_77" || ev.Ticket != "tick-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestParseUnknownKindIsNotAnError(t *testing.T) {
	doc := []byte(`<xml>
		<ToUserName>gh_account</ToUserName>
		<FromUserName>oUser123</FromUserName>
		<CreateTime>1700000000</CreateTime>
		<MsgType>hologram</MsgType>
	</xml>`)

	msg, err := ParseMessage(doc)
	if err != nil {
		t.Fatalf("unknown kind must parse, got error: %v", err)
	}
	unk, ok := msg.Payload.(UnknownPayload)
	if !ok {
		t.Fatalf("payload = %T, want UnknownPayload", msg.Payload)
	}
	if unk.Kind() != "hologram" {
		t.Errorf("kind = %q, want hologram", unk.Kind())
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not xml", "{json: true}"},
		{"missing from", `<xml><ToUserName>a</ToUserName><MsgType>text</MsgType><Content>x</Content></xml>`},
		{"text without content", `<xml><ToUserName>a</ToUserName><FromUserName>b</FromUserName><MsgType>text</MsgType></xml>`},
		{"image without media", `<xml><ToUserName>a</ToUserName><FromUserName>b</FromUserName><MsgType>image</MsgType></xml>`},
		{"event without event", `<xml><ToUserName>a</ToUserName><FromUserName>b</FromUserName><MsgType>event</MsgType></xml>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tc.doc)); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	messages := []*Message{
		{ToUser: "oUser123", FromUser: "gh_account", CreateTime: 1700000001, MsgID: 7,
			Payload: TextPayload{Content: "round trip"}},
		{ToUser: "oUser123", FromUser: "gh_account", CreateTime: 1700000002,
			Payload: ImagePayload{PicURL: "https://example.com/p.jpg", MediaID: "m-1"}},
		{ToUser: "oUser123", FromUser: "gh_account", CreateTime: 1700000003,
			Payload: VoicePayload{MediaID: "m-2", Format: "amr", Recognition: "hi"}},
		{ToUser: "oUser123", FromUser: "gh_account", CreateTime: 1700000004,
			Payload: VideoPayload{MediaID: "m-3", ThumbMediaID: "t-3"}},
		{ToUser: "oUser123", FromUser: "gh_account", CreateTime: 1700000005,
			Payload: ShortVideoPayload{MediaID: "m-4", ThumbMediaID: "t-4"}},
		{ToUser: "oUser123", FromUser: "gh_account", CreateTime: 1700000006,
			Payload: EventPayload{Event: EventScan, EventKey: "42", Ticket: "tk"}},
	}

	for _, want := range messages {
		doc, err := want.Marshal()
		if err != nil {
			t.Fatalf("Marshal(%s): %v", want.Payload.Kind(), err)
		}
		got, err := ParseMessage(doc)
		if err != nil {
			t.Fatalf("ParseMessage(%s): %v", want.Payload.Kind(), err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip mismatch for %s:\n got %+v\nwant %+v", want.Payload.Kind(), got, want)
		}
	}
}

func TestMarshalUnknownFails(t *testing.T) {
	m := &Message{ToUser: "a", FromUser: "b", Payload: UnknownPayload{MsgType: "hologram"}}
	if _, err := m.Marshal(); err == nil {
		t.Error("expected error serializing unknown kind")
	}
}

func TestEncryptedEnvelopeThroughCodec(t *testing.T) {
	c := testCodec(t)

	inner := &Message{
		ToUser: "gh_account", FromUser: "oUser123", CreateTime: 1700000000,
		Payload: TextPayload{Content: "secret"},
	}
	doc, err := inner.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	wrapped, err := c.WrapReply(doc, "1700000000", "nonce-1")
	if err != nil {
		t.Fatalf("WrapReply failed: %v", err)
	}

	env, err := ParseEncrypted(wrapped)
	if err != nil {
		t.Fatalf("ParseEncrypted failed: %v", err)
	}
	pt, err := c.Decrypt(env.Encrypt.Value, c.AppID())
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	got, err := ParseMessage(pt)
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload.(TextPayload).Content != "secret" {
		t.Errorf("content = %q, want secret", got.Payload.(TextPayload).Content)
	}
}

func TestParseEncryptedMissingField(t *testing.T) {
	if _, err := ParseEncrypted([]byte(`<xml><ToUserName>a</ToUserName></xml>`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}
