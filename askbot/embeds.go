package askbot

import (
	"github.com/bwmarrin/discordgo"
	"strconv"
	"strings"
	"time"
)

type embedKind int

const (
	embedNormal embedKind = iota
	embedInfo
	embedError
)

const (
	colorNormal = 0x2B2D31
	colorInfo   = 0x5865F2
	colorError  = 0xED4245

	// discordEmbedDescriptionMaxLength is the maximum length of an
	// embed description
	discordEmbedDescriptionMaxLength = 4096

	// discordMaxButtonsPerActionRow defines the maximum number of buttons
	// allowed per action row in Discord interactions.
	discordMaxButtonsPerActionRow = 5

	publicPromptMaxLength = 100
)

func (k embedKind) color() int {
	switch k {
	case embedInfo:
		return colorInfo
	case embedError:
		return colorError
	default:
		return colorNormal
	}
}

func simpleEmbed(description string, kind embedKind) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Description: limitString(description, discordEmbedDescriptionMaxLength),
		Color:       kind.color(),
	}
}

// userFooter returns a footer with the user's name and avatar
func userFooter(u *discordgo.User) *discordgo.MessageEmbedFooter {
	if u == nil {
		return nil
	}
	return &discordgo.MessageEmbedFooter{
		Text:    u.Username,
		IconURL: u.AvatarURL(""),
	}
}

// answerEmbed renders the private answer, with a list of source links
// when the answer came from a web search
func answerEmbed(
	catalog *Catalog,
	locale discordgo.Locale,
	u *discordgo.User,
	answer string,
	links []string,
) *discordgo.MessageEmbed {
	var sb strings.Builder
	sb.WriteString(catalog.T(locale, msgAskSuccess, map[string]any{"response": answer}))
	if len(links) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(catalog.T(locale, msgAskLinksTitle, nil))
		sb.WriteString("\n")
		writeLinks(&sb, catalog, locale, links)
	}
	return answerEmbedWithDescription(sb.String(), u)
}

// answerPublicEmbed renders the answer revealed to the channel, prefixed
// with the question that was asked
func answerPublicEmbed(
	catalog *Catalog,
	locale discordgo.Locale,
	u *discordgo.User,
	answer string,
	prompt string,
	links []string,
) *discordgo.MessageEmbed {
	var sb strings.Builder
	sb.WriteString("❔ ")
	sb.WriteString(limitString(prompt, publicPromptMaxLength))
	sb.WriteString("\n\n")
	sb.WriteString(catalog.T(locale, msgAskSuccess, map[string]any{"response": answer}))
	if len(links) > 0 {
		sb.WriteString("\n\n")
		writeLinks(&sb, catalog, locale, links)
	}
	return answerEmbedWithDescription(sb.String(), u)
}

func writeLinks(sb *strings.Builder, catalog *Catalog, locale discordgo.Locale, links []string) {
	for _, link := range links {
		sb.WriteString(
			catalog.T(
				locale,
				msgAskLink,
				map[string]any{"title": linkHost(link), "url": link},
			),
		)
	}
}

func answerEmbedWithDescription(description string, u *discordgo.User) *discordgo.MessageEmbed {
	embed := simpleEmbed(description, embedInfo)
	embed.Footer = userFooter(u)
	embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return embed
}

// qrCodeEmbed shows the uploaded QR code image
func qrCodeEmbed(
	catalog *Catalog,
	locale discordgo.Locale,
	u *discordgo.User,
	imageURL string,
) *discordgo.MessageEmbed {
	embed := answerEmbedWithDescription(catalog.T(locale, msgAskQRCodeDesc, nil), u)
	embed.Image = &discordgo.MessageEmbedImage{URL: imageURL}
	return embed
}

func errorEmbed(catalog *Catalog, locale discordgo.Locale, err string) *discordgo.MessageEmbed {
	return simpleEmbed(catalog.T(locale, msgError, map[string]any{"error": err}), embedError)
}

// buttonRows splits buttons into action rows
func buttonRows(buttons ...discordgo.MessageComponent) []discordgo.MessageComponent {
	rows := []discordgo.MessageComponent{}
	for _, chunk := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		rows = append(rows, discordgo.ActionsRow{Components: chunk})
	}
	return rows
}

// askButtons renders the full button row for an answer: reveal, usage
// (standard users only), favorite, regenerate and qrcode, plus a link
// to the search result if there is one. If disableAll is set, every
// button is disabled (used while regenerating). favoriteDisabled
// disables only the favorite button (used while persisting a toggle).
func askButtons(
	catalog *Catalog,
	s *AskSession,
	disableAll bool,
	favoriteDisabled bool,
) []discordgo.MessageComponent {
	locale := s.Locale
	buttons := []discordgo.MessageComponent{
		discordgo.Button{
			CustomID: string(ButtonReveal),
			Label:    catalog.T(locale, msgButtonReveal, nil),
			Style:    discordgo.SuccessButton,
			Disabled: disableAll,
			Emoji:    &discordgo.ComponentEmoji{Name: "👀"},
		},
	}

	if !s.Premium {
		buttons = append(
			buttons,
			discordgo.Button{
				CustomID: buttonUsageCustomID,
				Label: catalog.T(
					locale,
					msgButtonUsage,
					map[string]any{"n": strconv.Itoa(s.AskUsageRemaining)},
				),
				Style:    discordgo.SecondaryButton,
				Disabled: true,
			},
		)
	}

	favoriteStyle := discordgo.SecondaryButton
	if s.Favorited {
		favoriteStyle = discordgo.PrimaryButton
	}
	buttons = append(
		buttons,
		discordgo.Button{
			CustomID: string(ButtonFavorite),
			Label:    catalog.T(locale, msgButtonFavorite, nil),
			Style:    favoriteStyle,
			Disabled: disableAll || favoriteDisabled,
			Emoji:    &discordgo.ComponentEmoji{Name: "⭐"},
		},
		discordgo.Button{
			CustomID: string(ButtonRegenerate),
			Label:    catalog.T(locale, msgButtonRegenerate, nil),
			Style:    discordgo.SecondaryButton,
			Disabled: disableAll || s.RegenerateLocked,
			Emoji:    &discordgo.ComponentEmoji{Name: "🔄"},
		},
		discordgo.Button{
			CustomID: string(ButtonQRCode),
			Label:    catalog.T(locale, msgButtonQRCode, nil),
			Style:    discordgo.SecondaryButton,
			Disabled: disableAll,
			Emoji:    &discordgo.ComponentEmoji{Name: "📱"},
		},
	)

	if s.SourceURL != nil && *s.SourceURL != "" {
		buttons = append(buttons, knowMoreButton(catalog, locale, *s.SourceURL))
	}
	return buttonRows(buttons...)
}

func knowMoreButton(catalog *Catalog, locale discordgo.Locale, url string) discordgo.Button {
	return discordgo.Button{
		Label: catalog.T(locale, msgButtonKnowMore, nil),
		Style: discordgo.LinkButton,
		URL:   url,
	}
}

func returnButtons() []discordgo.MessageComponent {
	return buttonRows(
		discordgo.Button{
			CustomID: string(ButtonReturn),
			Style:    discordgo.PrimaryButton,
			Emoji:    &discordgo.ComponentEmoji{Name: "🔙"},
		},
	)
}
