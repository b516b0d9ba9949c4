package campaign

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// PayloadKind tags the shape of a Payload.
type PayloadKind int

const (
	KindText PayloadKind = iota
	KindPhoto
	KindVideo
)

func (k PayloadKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPhoto:
		return "photo"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParsePayloadKind accepts "", "text", "photo" and "video".
func ParsePayloadKind(s string) (PayloadKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return KindText, nil
	case "photo":
		return KindPhoto, nil
	case "video":
		return KindVideo, nil
	default:
		return KindText, fmt.Errorf("unknown payload kind %q", s)
	}
}

// Payload is one outgoing message. For photo and video payloads Text is the
// caption and MediaRef the provider handle.
type Payload struct {
	Kind     PayloadKind
	Text     string
	MediaRef string
	Buttons  []Button
}

var ErrEmptyPayload = errors.New("payload is empty")

func Text(text string, buttons ...Button) Payload {
	return Payload{Kind: KindText, Text: text, Buttons: buttons}
}

func Photo(ref, caption string, buttons ...Button) Payload {
	return Payload{Kind: KindPhoto, Text: caption, MediaRef: ref, Buttons: buttons}
}

func Video(ref, caption string, buttons ...Button) Payload {
	return Payload{Kind: KindVideo, Text: caption, MediaRef: ref, Buttons: buttons}
}

// Validate checks that the payload can be sent.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindText:
		if strings.TrimSpace(p.Text) == "" {
			return ErrEmptyPayload
		}
	case KindPhoto, KindVideo:
		if strings.TrimSpace(p.MediaRef) == "" {
			return fmt.Errorf("%s payload: media reference required", p.Kind)
		}
	default:
		return fmt.Errorf("unknown payload kind %d", int(p.Kind))
	}
	for i, b := range p.Buttons {
		if strings.TrimSpace(b.Text) == "" {
			return fmt.Errorf("button %d: text required", i)
		}
		u, err := url.Parse(strings.TrimSpace(b.URL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("button %d: invalid url %q", i, b.URL)
		}
	}
	return nil
}
