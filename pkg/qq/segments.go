// Package qq implements the QQ side of the bridge: the OneBot-11 native
// message model, the converter to and from the unified model, and the
// WebSocket adapter that speaks to a OneBot endpoint.
package qq

import (
	"encoding/json"
	"strconv"
)

// MessageType is the OneBot message_type field.
type MessageType string

const (
	MessagePrivate MessageType = "private"
	MessageGroup   MessageType = "group"
)

// SenderInfo mirrors the OneBot sender object.
type SenderInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Message is the closed native representation of one inbound QQ message.
// The adapter decodes raw OneBot JSON into this; the converter never sees
// anything looser.
type Message struct {
	MessageID string
	Type      MessageType
	GroupID   int64
	UserID    int64
	Sender    SenderInfo
	Time      int64
	Segments  []Segment
}

// Segment is the closed variant over OneBot-11 message segments.
type Segment interface {
	segmentType() string
}

type TextSeg struct{ Text string }

type ImageSeg struct {
	File    string
	URL     string
	Flash   bool
	Sticker bool // sub_type 1: sticker-like "custom face" image
}

type RecordSeg struct {
	File string
	URL  string
}

type VideoSeg struct {
	File string
	URL  string
}

type FileSeg struct {
	File string
	Name string
	URL  string
	Size int64
}

// AtSeg mentions a user; Target is a decimal uin or "all".
type AtSeg struct{ Target string }

type FaceSeg struct{ ID int }

type ReplySeg struct{ ID string }

// ForwardSeg references a forwarded-history bundle by resource id.
type ForwardSeg struct {
	ResID    string
	FileName string
}

type DiceSeg struct{ Value int }

type LocationSeg struct {
	Lat     float64
	Lon     float64
	Title   string
	Content string
}

type MarkdownSeg struct{ Content string }

// UnknownSeg preserves the type tag of a segment the bridge has no
// mapping for, so conversion can degrade it to a placeholder.
type UnknownSeg struct{ Kind string }

func (TextSeg) segmentType() string     { return "text" }
func (ImageSeg) segmentType() string    { return "image" }
func (RecordSeg) segmentType() string   { return "record" }
func (VideoSeg) segmentType() string    { return "video" }
func (FileSeg) segmentType() string     { return "file" }
func (AtSeg) segmentType() string       { return "at" }
func (FaceSeg) segmentType() string     { return "face" }
func (ReplySeg) segmentType() string    { return "reply" }
func (ForwardSeg) segmentType() string  { return "forward" }
func (DiceSeg) segmentType() string     { return "dice" }
func (LocationSeg) segmentType() string { return "location" }
func (MarkdownSeg) segmentType() string { return "markdown" }
func (u UnknownSeg) segmentType() string {
	return u.Kind
}

// wireSegment is the raw OneBot segment shape: {"type": ..., "data": {...}}.
type wireSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func wireString(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func wireInt(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func wireFloat(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// decodeSegment maps one raw OneBot segment onto the closed variant.
func decodeSegment(w wireSegment) Segment {
	switch w.Type {
	case "text":
		return TextSeg{Text: wireString(w.Data, "text")}
	case "image":
		return ImageSeg{
			File:    wireString(w.Data, "file"),
			URL:     wireString(w.Data, "url"),
			Flash:   wireString(w.Data, "type") == "flash",
			Sticker: wireString(w.Data, "sub_type") == "1",
		}
	case "record":
		return RecordSeg{File: wireString(w.Data, "file"), URL: wireString(w.Data, "url")}
	case "video":
		return VideoSeg{File: wireString(w.Data, "file"), URL: wireString(w.Data, "url")}
	case "file":
		return FileSeg{
			File: wireString(w.Data, "file_id"),
			Name: wireString(w.Data, "name"),
			URL:  wireString(w.Data, "url"),
			Size: wireInt(w.Data, "size"),
		}
	case "at":
		return AtSeg{Target: wireString(w.Data, "qq")}
	case "face":
		return FaceSeg{ID: int(wireInt(w.Data, "id"))}
	case "reply":
		return ReplySeg{ID: wireString(w.Data, "id")}
	case "forward":
		return ForwardSeg{
			ResID:    wireString(w.Data, "id"),
			FileName: wireString(w.Data, "file_name"),
		}
	case "dice":
		return DiceSeg{Value: int(wireInt(w.Data, "result"))}
	case "location":
		return LocationSeg{
			Lat:     wireFloat(w.Data, "lat"),
			Lon:     wireFloat(w.Data, "lon"),
			Title:   wireString(w.Data, "title"),
			Content: wireString(w.Data, "content"),
		}
	case "markdown":
		return MarkdownSeg{Content: wireString(w.Data, "content")}
	default:
		return UnknownSeg{Kind: w.Type}
	}
}

// encodeSegment maps a closed variant back to the raw OneBot shape.
func encodeSegment(s Segment) wireSegment {
	switch v := s.(type) {
	case TextSeg:
		return wireSegment{Type: "text", Data: map[string]any{"text": v.Text}}
	case ImageSeg:
		data := map[string]any{"file": v.File}
		if v.URL != "" {
			data["url"] = v.URL
		}
		if v.Sticker {
			data["sub_type"] = "1"
		}
		return wireSegment{Type: "image", Data: data}
	case RecordSeg:
		return wireSegment{Type: "record", Data: map[string]any{"file": v.File}}
	case VideoSeg:
		return wireSegment{Type: "video", Data: map[string]any{"file": v.File}}
	case FileSeg:
		return wireSegment{Type: "file", Data: map[string]any{"file_id": v.File, "name": v.Name}}
	case AtSeg:
		return wireSegment{Type: "at", Data: map[string]any{"qq": v.Target}}
	case FaceSeg:
		return wireSegment{Type: "face", Data: map[string]any{"id": strconv.Itoa(v.ID)}}
	case ReplySeg:
		return wireSegment{Type: "reply", Data: map[string]any{"id": v.ID}}
	case ForwardSeg:
		return wireSegment{Type: "forward", Data: map[string]any{"id": v.ResID}}
	case DiceSeg:
		return wireSegment{Type: "dice", Data: map[string]any{}}
	case LocationSeg:
		return wireSegment{Type: "location", Data: map[string]any{
			"lat": v.Lat, "lon": v.Lon, "title": v.Title, "content": v.Content,
		}}
	case MarkdownSeg:
		return wireSegment{Type: "markdown", Data: map[string]any{"content": v.Content}}
	default:
		return wireSegment{Type: "text", Data: map[string]any{"text": ""}}
	}
}

func decodeSegments(ws []wireSegment) []Segment {
	out := make([]Segment, 0, len(ws))
	for _, w := range ws {
		out = append(out, decodeSegment(w))
	}
	return out
}

func encodeSegments(segs []Segment) []wireSegment {
	out := make([]wireSegment, 0, len(segs))
	for _, s := range segs {
		out = append(out, encodeSegment(s))
	}
	return out
}
