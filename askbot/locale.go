package askbot

import (
	"embed"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gopkg.in/yaml.v3"
	"path"
	"strings"
)

//go:embed locales/*.yaml
var localeFS embed.FS

const defaultLocale = discordgo.EnglishUS

// Message IDs in the embedded catalogs
const (
	msgLanguage             = "language"
	msgPromptDefault        = "prompt.default"
	msgNotInTextChannel     = "global.not_in_text_channel"
	msgError                = "global.error"
	msgAskDescription       = "ask.description"
	msgAskOptionPrompt      = "ask.option_prompt"
	msgAskOptionWeb         = "ask.option_web"
	msgAskOptionContext     = "ask.option_context"
	msgAskWaiting           = "ask.waiting"
	msgAskWaitingWeb        = "ask.waiting_web"
	msgAskWarningWebContext = "ask.warning_web_context"
	msgAskCooldown          = "ask.cooldown"
	msgAskTrial             = "ask.trial"
	msgAskRegenerate        = "ask.regenerate"
	msgAskSuccess           = "ask.success"
	msgAskLinksTitle        = "ask.links_title"
	msgAskLink              = "ask.link"
	msgAskQRCode            = "ask.qrcode"
	msgAskQRCodeDesc        = "ask.qrcode_desc"
	msgAskRevealed          = "ask.revealed"
	msgAskRevealError       = "ask.reveal_error"
	msgAskContextNotFound   = "ask.context_not_found"
	msgAskNoMessage         = "ask.no_message"
	msgAskNotCreated        = "ask.not_created"
	msgAskNoPublicURL       = "ask.no_public_url"
	msgButtonReveal         = "buttons.reveal"
	msgButtonUsage          = "buttons.usage"
	msgButtonFavorite       = "buttons.favorite"
	msgButtonRegenerate     = "buttons.regenerate"
	msgButtonQRCode         = "buttons.qrcode"
	msgButtonKnowMore       = "buttons.know_more"
	msgChatDescription      = "chat.description"
	msgChatThreadName       = "chat.thread_name"
	msgChatStarted          = "chat.started"
	msgChatWelcome          = "chat.welcome"
	msgChatError            = "chat.error"
	msgChatDeleteError      = "chat.delete_error"
	msgUsageDescription     = "usage.description"
	msgUsageTitle           = "usage.title"
	msgUsageRemaining       = "usage.remaining"
	msgUsageUnlimited       = "usage.unlimited"
	msgUsageQuestions       = "usage.questions"
	msgUsageFavorites       = "usage.favorites"
)

// Catalog holds the localized messages, keyed by locale, then by
// dotted message ID
type Catalog struct {
	messages map[discordgo.Locale]map[string]string
}

// LoadCatalog parses every embedded locales/*.yaml file. The file name
// (minus extension) is the discord locale it provides.
func LoadCatalog() (*Catalog, error) {
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	c := &Catalog{messages: map[discordgo.Locale]map[string]string{}}
	for _, entry := range entries {
		data, err := localeFS.ReadFile(path.Join("locales", entry.Name()))
		if err != nil {
			return nil, err
		}
		var raw map[string]any
		if err = yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", entry.Name(), err)
		}
		flat := map[string]string{}
		flattenMessages("", raw, flat)
		locale := discordgo.Locale(strings.TrimSuffix(entry.Name(), path.Ext(entry.Name())))
		c.messages[locale] = flat
	}
	if _, ok := c.messages[defaultLocale]; !ok {
		return nil, fmt.Errorf("missing default locale %q", defaultLocale)
	}
	return c, nil
}

func flattenMessages(prefix string, raw map[string]any, out map[string]string) {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenMessages(key, val, out)
		case string:
			out[key] = val
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// Locales returns the locales with a catalog
func (c *Catalog) Locales() []discordgo.Locale {
	locales := make([]discordgo.Locale, 0, len(c.messages))
	for l := range c.messages {
		locales = append(locales, l)
	}
	return locales
}

// T returns the message for the given locale, replacing `{name}`
// placeholders with args. Unknown locales and missing messages fall back
// to the default locale. An unknown message ID is returned as-is.
func (c *Catalog) T(locale discordgo.Locale, id string, args map[string]any) string {
	msg, ok := c.lookup(locale, id)
	if !ok {
		return id
	}
	if len(args) == 0 {
		return msg
	}
	replacements := make([]string, 0, len(args)*2)
	for k, v := range args {
		replacements = append(replacements, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(replacements...).Replace(msg)
}

func (c *Catalog) lookup(locale discordgo.Locale, id string) (string, bool) {
	if messages, ok := c.messages[locale]; ok {
		if msg, found := messages[id]; found {
			return msg, true
		}
	}
	msg, ok := c.messages[defaultLocale][id]
	return msg, ok
}

// Language returns the name of the locale's language, used to tell the
// model which language to answer in
func (c *Catalog) Language(locale discordgo.Locale) string {
	if name, ok := discordgo.Locales[locale]; ok {
		if _, known := c.messages[locale]; !known {
			return name
		}
	}
	return c.T(locale, msgLanguage, nil)
}

// Localizations returns the message for every non-default locale, for
// discord command name/description localizations
func (c *Catalog) Localizations(id string) *map[discordgo.Locale]string {
	m := map[discordgo.Locale]string{}
	for locale, messages := range c.messages {
		if locale == defaultLocale {
			continue
		}
		if msg, ok := messages[id]; ok {
			m[locale] = msg
		}
	}
	return &m
}
