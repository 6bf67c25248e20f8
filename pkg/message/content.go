package message

import (
	"encoding/json"
	"fmt"
)

// ContentType enumerates the closed set of content kinds.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentFile     ContentType = "file"
	ContentSticker  ContentType = "sticker"
	ContentLocation ContentType = "location"
	ContentDice     ContentType = "dice"
	ContentForward  ContentType = "forward"
	ContentReply    ContentType = "reply"
	ContentAt       ContentType = "at"
	ContentFace     ContentType = "face"
	ContentMarkdown ContentType = "markdown"
)

// Data is the payload of one content item. The concrete type is fully
// determined by the content type tag.
type Data interface {
	contentType() ContentType
}

// Content is one item in a message's ordered content sequence.
type Content struct {
	Type ContentType
	Data Data
}

type Text struct {
	Text string `json:"text"`
}

type Image struct {
	Ref       MediaRef `json:"ref"`
	MIME      string   `json:"mime,omitempty"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Spoiler   bool     `json:"spoiler,omitempty"`
	Animated  bool     `json:"animated,omitempty"`
	AsSticker bool     `json:"as_sticker,omitempty"`
}

type Video struct {
	Ref      MediaRef `json:"ref"`
	MIME     string   `json:"mime,omitempty"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
	Duration int      `json:"duration,omitempty"`
}

type Audio struct {
	Ref      MediaRef `json:"ref"`
	MIME     string   `json:"mime,omitempty"`
	Duration int      `json:"duration,omitempty"`
	Voice    bool     `json:"voice,omitempty"`
}

type File struct {
	Ref  MediaRef `json:"ref"`
	Name string   `json:"name,omitempty"`
	Size int64    `json:"size,omitempty"`
}

type Sticker struct {
	Ref     MediaRef `json:"ref"`
	Emoji   string   `json:"emoji,omitempty"`
	SetName string   `json:"set_name,omitempty"`
}

type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Title   string  `json:"title,omitempty"`
	Address string  `json:"address,omitempty"`
}

type Dice struct {
	Emoji string `json:"emoji,omitempty"`
	Value int    `json:"value,omitempty"`
}

// Forward is a forwarded-history bundle. ResourceID is the platform-native
// resource id; StableID is the cross-bridge id assigned by the resolver.
// Messages recursively nests the bundled history when available.
type Forward struct {
	ResourceID string           `json:"resource_id,omitempty"`
	FileName   string           `json:"file_name,omitempty"`
	StableID   string           `json:"stable_id,omitempty"`
	Messages   []UnifiedMessage `json:"messages,omitempty"`
}

// Reply references an earlier message. Platform records where MessageID
// is meaningful; a converter for another platform cannot use the id as a
// native reply target and degrades to the excerpt instead.
type Reply struct {
	MessageID string   `json:"message_id"`
	Platform  Platform `json:"platform,omitempty"`
	SenderID  int64    `json:"sender_id,omitempty"`
	Excerpt   string   `json:"excerpt,omitempty"`
}

type At struct {
	Target int64  `json:"target,omitempty"`
	Name   string `json:"name,omitempty"`
	All    bool   `json:"all,omitempty"`
}

type Face struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

type Markdown struct {
	Text string `json:"text"`
}

func (Text) contentType() ContentType     { return ContentText }
func (Image) contentType() ContentType    { return ContentImage }
func (Video) contentType() ContentType    { return ContentVideo }
func (Audio) contentType() ContentType    { return ContentAudio }
func (File) contentType() ContentType     { return ContentFile }
func (Sticker) contentType() ContentType  { return ContentSticker }
func (Location) contentType() ContentType { return ContentLocation }
func (Dice) contentType() ContentType     { return ContentDice }
func (*Forward) contentType() ContentType { return ContentForward }
func (Reply) contentType() ContentType    { return ContentReply }
func (At) contentType() ContentType       { return ContentAt }
func (Face) contentType() ContentType     { return ContentFace }
func (Markdown) contentType() ContentType { return ContentMarkdown }

// NewContent wraps a payload in a tagged content item.
func NewContent(d Data) Content {
	return Content{Type: d.contentType(), Data: d}
}

// NewText is shorthand for the most common content kind.
func NewText(text string) Content {
	return NewContent(Text{Text: text})
}

// Placeholder produces the best-effort text stand-in for an element the
// target platform cannot represent. Conversion degrades to this instead
// of failing the whole message.
func Placeholder(kind string) Content {
	return NewText(fmt.Sprintf("[unsupported: %s]", kind))
}

type contentEnvelope struct {
	Type ContentType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the item as {"type": ..., "data": ...}.
func (c Content) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(contentEnvelope{Type: c.Type, Data: data})
}

// UnmarshalJSON decodes the payload into the concrete type named by the
// type tag. Unknown tags are an error: the taxonomy is closed.
func (c *Content) UnmarshalJSON(b []byte) error {
	var env contentEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var d Data
	switch env.Type {
	case ContentText:
		d = &Text{}
	case ContentImage:
		d = &Image{}
	case ContentVideo:
		d = &Video{}
	case ContentAudio:
		d = &Audio{}
	case ContentFile:
		d = &File{}
	case ContentSticker:
		d = &Sticker{}
	case ContentLocation:
		d = &Location{}
	case ContentDice:
		d = &Dice{}
	case ContentForward:
		d = &Forward{}
	case ContentReply:
		d = &Reply{}
	case ContentAt:
		d = &At{}
	case ContentFace:
		d = &Face{}
	case ContentMarkdown:
		d = &Markdown{}
	default:
		return fmt.Errorf("message: unknown content type %q", env.Type)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, d); err != nil {
			return err
		}
	}

	c.Type = env.Type
	c.Data = deref(d)
	return nil
}

// deref unwraps the decode pointer for value-typed payloads. Forward stays
// a pointer so the resolver can rewrite it in place.
func deref(d Data) Data {
	switch v := d.(type) {
	case *Text:
		return *v
	case *Image:
		return *v
	case *Video:
		return *v
	case *Audio:
		return *v
	case *File:
		return *v
	case *Sticker:
		return *v
	case *Location:
		return *v
	case *Dice:
		return *v
	case *Reply:
		return *v
	case *At:
		return *v
	case *Face:
		return *v
	case *Markdown:
		return *v
	default:
		return d
	}
}
