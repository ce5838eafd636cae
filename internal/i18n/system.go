// Package i18n renders SYSTEM messages in the viewer's language. Messages
// store only their SystemType; text is produced at display time.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/nfrund/carechat/internal/domain"
)

const (
	keyCreated  = "system.created"
	keyClosed   = "system.closed"
	keyReopened = "system.reopened"
	keyUnknown  = "system.unknown"
)

var supported = []language.Tag{language.English, language.Korean}

var entries = map[language.Tag]map[string]string{
	language.English: {
		keyCreated:  "Conversation started",
		keyClosed:   "%s ended the conversation",
		keyReopened: "%s reopened the conversation",
		keyUnknown:  "Conversation updated",
	},
	language.Korean: {
		keyCreated:  "상담이 시작되었습니다",
		keyClosed:   "%s님이 상담을 종료했습니다",
		keyReopened: "%s님이 상담을 재개했습니다",
		keyUnknown:  "상담 상태가 변경되었습니다",
	},
}

// Renderer formats SYSTEM messages for one locale.
type Renderer struct {
	tag     language.Tag
	printer *message.Printer
}

// NewRenderer picks the closest supported language for locale (a BCP 47
// tag such as "ko-KR"). Unknown locales fall back to English.
func NewRenderer(locale string) (*Renderer, error) {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msgs := range entries {
		for key, msg := range msgs {
			if err := b.SetString(tag, key, msg); err != nil {
				return nil, err
			}
		}
	}

	tag := language.English
	if locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			_, idx, _ := language.NewMatcher(supported).Match(parsed)
			tag = supported[idx]
		}
	}

	return &Renderer{
		tag:     tag,
		printer: message.NewPrinter(tag, message.Catalog(b)),
	}, nil
}

// Language returns the tag the renderer settled on.
func (r *Renderer) Language() language.Tag {
	return r.tag
}

// System renders m, which must be a SYSTEM message. actorName is the display
// name of whoever triggered the transition.
func (r *Renderer) System(m domain.Message, actorName string) string {
	switch m.SystemType {
	case domain.SystemCreated:
		return r.printer.Sprintf(keyCreated)
	case domain.SystemClosed:
		return r.printer.Sprintf(keyClosed, actorName)
	case domain.SystemReopened:
		return r.printer.Sprintf(keyReopened, actorName)
	default:
		return r.printer.Sprintf(keyUnknown)
	}
}
