package qq

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/astrobridge/qtbridge/pkg/message"
)

// ErrEmptyMessage is returned when a native message carries no segments;
// a successful conversion always yields non-empty content.
var ErrEmptyMessage = errors.New("qq: message has no segments")

// Converter translates between OneBot native messages and the unified
// model. It is stateless and safe for concurrent use.
type Converter struct{}

func avatarURL(uin int64) string {
	return fmt.Sprintf("https://q1.qlogo.cn/g?b=qq&nk=%d&s=640", uin)
}

// FromNative converts an inbound QQ message. Segment order is preserved;
// segments without a unified mapping degrade to text placeholders.
func (Converter) FromNative(m *Message) (*message.UnifiedMessage, error) {
	if m == nil || len(m.Segments) == 0 {
		return nil, ErrEmptyMessage
	}

	chat := message.Chat{ID: m.UserID, Type: message.ChatPrivate}
	if m.Type == MessageGroup {
		chat = message.Chat{ID: m.GroupID, Type: message.ChatGroup}
	}

	name := m.Sender.Card
	if name == "" {
		name = m.Sender.Nickname
	}

	contents := make([]message.Content, 0, len(m.Segments))
	for _, seg := range m.Segments {
		contents = append(contents, segmentToContent(seg))
	}

	return &message.UnifiedMessage{
		ID:       m.MessageID,
		Platform: message.PlatformQQ,
		Sender: message.Sender{
			ID:     m.Sender.UserID,
			Name:   name,
			Avatar: avatarURL(m.Sender.UserID),
		},
		Chat:     chat,
		Contents: contents,
		Time:     time.Unix(m.Time, 0),
	}, nil
}

func segmentToContent(seg Segment) message.Content {
	switch v := seg.(type) {
	case TextSeg:
		return message.NewText(v.Text)
	case ImageSeg:
		return message.NewContent(message.Image{
			Ref:       message.MediaRef{URL: v.URL, FileID: v.File},
			AsSticker: v.Sticker,
			Spoiler:   v.Flash,
		})
	case RecordSeg:
		return message.NewContent(message.Audio{
			Ref:   message.MediaRef{URL: v.URL, FileID: v.File},
			Voice: true,
		})
	case VideoSeg:
		return message.NewContent(message.Video{
			Ref: message.MediaRef{URL: v.URL, FileID: v.File},
		})
	case FileSeg:
		return message.NewContent(message.File{
			Ref:  message.MediaRef{URL: v.URL, FileID: v.File},
			Name: v.Name,
			Size: v.Size,
		})
	case AtSeg:
		if v.Target == "all" {
			return message.NewContent(message.At{All: true, Name: "all"})
		}
		uin, _ := strconv.ParseInt(v.Target, 10, 64)
		return message.NewContent(message.At{Target: uin, Name: v.Target})
	case FaceSeg:
		return message.NewContent(message.Face{ID: v.ID})
	case ReplySeg:
		return message.NewContent(message.Reply{MessageID: v.ID, Platform: message.PlatformQQ})
	case ForwardSeg:
		return message.NewContent(&message.Forward{
			ResourceID: v.ResID,
			FileName:   v.FileName,
		})
	case DiceSeg:
		return message.NewContent(message.Dice{Value: v.Value})
	case LocationSeg:
		return message.NewContent(message.Location{
			Lat: v.Lat, Lon: v.Lon, Title: v.Title, Address: v.Content,
		})
	case MarkdownSeg:
		return message.NewContent(message.Markdown{Text: v.Content})
	default:
		return message.Placeholder(seg.segmentType())
	}
}

// ToNative converts a unified message into OneBot send payloads. QQ can
// carry mixed segments in a single call, so the result is normally one
// payload; the outer slice exists because the contract allows expansion.
func (Converter) ToNative(m *message.UnifiedMessage) ([][]Segment, error) {
	if m == nil || len(m.Contents) == 0 {
		return nil, ErrEmptyMessage
	}

	segs := make([]Segment, 0, len(m.Contents))
	for _, c := range m.Contents {
		segs = append(segs, contentToSegment(c))
	}
	return [][]Segment{segs}, nil
}

func contentToSegment(c message.Content) Segment {
	switch d := c.Data.(type) {
	case message.Text:
		return TextSeg{Text: d.Text}
	case message.Image:
		return ImageSeg{File: mediaFileRef(d.Ref), URL: d.Ref.URL, Sticker: d.AsSticker}
	case message.Sticker:
		return ImageSeg{File: mediaFileRef(d.Ref), URL: d.Ref.URL, Sticker: true}
	case message.Video:
		return VideoSeg{File: mediaFileRef(d.Ref), URL: d.Ref.URL}
	case message.Audio:
		return RecordSeg{File: mediaFileRef(d.Ref), URL: d.Ref.URL}
	case message.File:
		// OneBot-11 has no file segment for sends; degrade to a link line.
		if d.Ref.URL != "" {
			return TextSeg{Text: fmt.Sprintf("[file] %s %s", d.Name, d.Ref.URL)}
		}
		return TextSeg{Text: fmt.Sprintf("[file] %s", d.Name)}
	case message.At:
		if d.All {
			return AtSeg{Target: "all"}
		}
		return AtSeg{Target: strconv.FormatInt(d.Target, 10)}
	case message.Face:
		return FaceSeg{ID: d.ID}
	case message.Reply:
		if d.Platform != "" && d.Platform != message.PlatformQQ {
			// The id belongs to another platform; a native reply
			// segment would be rejected. Quote instead.
			if d.Excerpt != "" {
				return TextSeg{Text: "> " + d.Excerpt + "\n"}
			}
			return TextSeg{Text: ""}
		}
		return ReplySeg{ID: d.MessageID}
	case *message.Forward:
		label := d.FileName
		if label == "" {
			label = d.StableID
		}
		return TextSeg{Text: fmt.Sprintf("[forwarded history %s]", label)}
	case message.Dice:
		return DiceSeg{Value: d.Value}
	case message.Location:
		return LocationSeg{Lat: d.Lat, Lon: d.Lon, Title: d.Title, Content: d.Address}
	case message.Markdown:
		return MarkdownSeg{Content: d.Text}
	default:
		return TextSeg{Text: fmt.Sprintf("[unsupported: %s]", c.Type)}
	}
}

// mediaFileRef prefers the platform file handle, then the URL. Raw bytes
// stay lazy; the adapter uploads them only when the send call needs to.
func mediaFileRef(ref message.MediaRef) string {
	if ref.FileID != "" {
		return ref.FileID
	}
	return ref.URL
}
