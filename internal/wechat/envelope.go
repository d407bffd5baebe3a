package wechat

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// ErrMalformed reports a structurally invalid platform document.
var ErrMalformed = errors.New("wechat: malformed envelope")

// Message kinds carried by the platform envelope. The set is closed; any
// other discriminator parses into UnknownPayload rather than failing, so
// the router can decide to ignore kinds the platform introduces later.
const (
	KindText       = "text"
	KindImage      = "image"
	KindVoice      = "voice"
	KindVideo      = "video"
	KindShortVideo = "shortvideo"
	KindEvent      = "event"
)

// Platform event discriminators.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventScan        = "SCAN"
)

// Message is a decoded platform envelope. Immutable once constructed.
type Message struct {
	ToUser     string
	FromUser   string
	CreateTime int64
	MsgID      int64
	Payload    Payload
}

// Payload is the kind-specific part of a Message.
type Payload interface {
	Kind() string
}

type TextPayload struct {
	Content string
}

type ImagePayload struct {
	PicURL  string
	MediaID string
}

type VoicePayload struct {
	MediaID     string
	Format      string
	Recognition string
}

type VideoPayload struct {
	MediaID      string
	ThumbMediaID string
}

type ShortVideoPayload struct {
	MediaID      string
	ThumbMediaID string
}

// EventPayload carries a platform event. Event is kept as the raw
// discriminator string so unrecognized events pass through unharmed.
type EventPayload struct {
	Event    string
	EventKey string
	Ticket   string
}

// UnknownPayload preserves a message of an unrecognized kind.
type UnknownPayload struct {
	MsgType string
}

func (TextPayload) Kind() string       { return KindText }
func (ImagePayload) Kind() string      { return KindImage }
func (VoicePayload) Kind() string      { return KindVoice }
func (VideoPayload) Kind() string      { return KindVideo }
func (ShortVideoPayload) Kind() string { return KindShortVideo }
func (EventPayload) Kind() string      { return KindEvent }
func (p UnknownPayload) Kind() string  { return p.MsgType }

// rawMessage is the flat wire form of the platform envelope. Optional
// fields are pointers so absent elements stay absent on re-serialization.
type rawMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      *cdata   `xml:"Content,omitempty"`
	PicURL       *cdata   `xml:"PicUrl,omitempty"`
	MediaID      *cdata   `xml:"MediaId,omitempty"`
	Format       *cdata   `xml:"Format,omitempty"`
	Recognition  *cdata   `xml:"Recognition,omitempty"`
	ThumbMediaID *cdata   `xml:"ThumbMediaId,omitempty"`
	MsgID        int64    `xml:"MsgId,omitempty"`
	Event        *cdata   `xml:"Event,omitempty"`
	EventKey     *cdata   `xml:"EventKey,omitempty"`
	Ticket       *cdata   `xml:"Ticket,omitempty"`
}

// cdata marshals as a CDATA section but unmarshals from either plain or
// CDATA character data.
type cdata struct {
	Value string `xml:",cdata"`
}

func (c *cdata) val() string {
	if c == nil {
		return ""
	}
	return c.Value
}

func optCDATA(s string) *cdata {
	if s == "" {
		return nil
	}
	return &cdata{s}
}

// ParseMessage decodes a plaintext platform document into a Message.
func ParseMessage(doc []byte) (*Message, error) {
	var raw rawMessage
	if err := xml.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.ToUserName.Value == "" || raw.FromUserName.Value == "" || raw.MsgType.Value == "" {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformed)
	}

	msg := &Message{
		ToUser:     raw.ToUserName.Value,
		FromUser:   raw.FromUserName.Value,
		CreateTime: raw.CreateTime,
		MsgID:      raw.MsgID,
	}

	switch raw.MsgType.Value {
	case KindText:
		if raw.Content.val() == "" {
			return nil, fmt.Errorf("%w: text message without content", ErrMalformed)
		}
		msg.Payload = TextPayload{Content: raw.Content.val()}
	case KindImage:
		if raw.PicURL.val() == "" || raw.MediaID.val() == "" {
			return nil, fmt.Errorf("%w: image message without pic_url/media_id", ErrMalformed)
		}
		msg.Payload = ImagePayload{PicURL: raw.PicURL.val(), MediaID: raw.MediaID.val()}
	case KindVoice:
		if raw.MediaID.val() == "" || raw.Format.val() == "" {
			return nil, fmt.Errorf("%w: voice message without media_id/format", ErrMalformed)
		}
		msg.Payload = VoicePayload{
			MediaID:     raw.MediaID.val(),
			Format:      raw.Format.val(),
			Recognition: raw.Recognition.val(),
		}
	case KindVideo:
		if raw.MediaID.val() == "" || raw.ThumbMediaID.val() == "" {
			return nil, fmt.Errorf("%w: video message without media_id/thumb_media_id", ErrMalformed)
		}
		msg.Payload = VideoPayload{MediaID: raw.MediaID.val(), ThumbMediaID: raw.ThumbMediaID.val()}
	case KindShortVideo:
		if raw.MediaID.val() == "" || raw.ThumbMediaID.val() == "" {
			return nil, fmt.Errorf("%w: shortvideo message without media_id/thumb_media_id", ErrMalformed)
		}
		msg.Payload = ShortVideoPayload{MediaID: raw.MediaID.val(), ThumbMediaID: raw.ThumbMediaID.val()}
	case KindEvent:
		if raw.Event.val() == "" {
			return nil, fmt.Errorf("%w: event message without event", ErrMalformed)
		}
		msg.Payload = EventPayload{
			Event:    raw.Event.val(),
			EventKey: raw.EventKey.val(),
			Ticket:   raw.Ticket.val(),
		}
	default:
		msg.Payload = UnknownPayload{MsgType: raw.MsgType.Value}
	}

	return msg, nil
}

// Marshal serializes a Message back to the platform wire form. It is the
// inverse of ParseMessage for every kind this service emits; unknown kinds
// cannot be re-serialized.
func (m *Message) Marshal() ([]byte, error) {
	raw := rawMessage{
		ToUserName:   cdata{m.ToUser},
		FromUserName: cdata{m.FromUser},
		CreateTime:   m.CreateTime,
		MsgID:        m.MsgID,
	}

	switch p := m.Payload.(type) {
	case TextPayload:
		raw.MsgType = cdata{KindText}
		raw.Content = optCDATA(p.Content)
	case ImagePayload:
		raw.MsgType = cdata{KindImage}
		raw.PicURL = optCDATA(p.PicURL)
		raw.MediaID = optCDATA(p.MediaID)
	case VoicePayload:
		raw.MsgType = cdata{KindVoice}
		raw.MediaID = optCDATA(p.MediaID)
		raw.Format = optCDATA(p.Format)
		raw.Recognition = optCDATA(p.Recognition)
	case VideoPayload:
		raw.MsgType = cdata{KindVideo}
		raw.MediaID = optCDATA(p.MediaID)
		raw.ThumbMediaID = optCDATA(p.ThumbMediaID)
	case ShortVideoPayload:
		raw.MsgType = cdata{KindShortVideo}
		raw.MediaID = optCDATA(p.MediaID)
		raw.ThumbMediaID = optCDATA(p.ThumbMediaID)
	case EventPayload:
		raw.MsgType = cdata{KindEvent}
		raw.Event = optCDATA(p.Event)
		raw.EventKey = optCDATA(p.EventKey)
		raw.Ticket = optCDATA(p.Ticket)
	default:
		return nil, fmt.Errorf("cannot serialize message kind %q", m.Payload.Kind())
	}

	return xml.Marshal(raw)
}

// EncryptedEnvelope is the outer wrapper of an AES-encrypted callback body.
type EncryptedEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName cdata    `xml:"ToUserName"`
	Encrypt    cdata    `xml:"Encrypt"`
}

// ParseEncrypted decodes the encrypted callback wrapper.
func ParseEncrypted(doc []byte) (*EncryptedEnvelope, error) {
	var env EncryptedEnvelope
	if err := xml.Unmarshal(doc, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Encrypt.Value == "" {
		return nil, fmt.Errorf("%w: missing Encrypt field", ErrMalformed)
	}
	return &env, nil
}

// secureReply is the signed outbound envelope for encrypted replies.
type secureReply struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// WrapReply encrypts a plaintext reply document and builds the signed
// outbound envelope the platform expects.
func (c *Codec) WrapReply(plaintext []byte, timestamp, nonce string) ([]byte, error) {
	ct, err := c.Encrypt(plaintext, c.appID)
	if err != nil {
		return nil, fmt.Errorf("encrypt reply: %w", err)
	}
	reply := secureReply{
		Encrypt:      cdata{ct},
		MsgSignature: cdata{c.Sign(timestamp, nonce, ct)},
		TimeStamp:    timestamp,
		Nonce:        cdata{nonce},
	}
	return xml.Marshal(reply)
}
