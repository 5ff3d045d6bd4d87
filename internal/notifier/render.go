package notifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/bwmarrin/discordgo"

	"github.com/statch/gitbot-sub000/internal/github"
	"github.com/statch/gitbot-sub000/internal/locale"
)

const (
	maxBodyLength = 400
	defaultColor  = 0x2B3137
	ellipsis      = "…"
)

// Stage is the localisation key suffix for the four draft/prerelease combinations.
func Stage(rel github.Release) string {
	switch {
	case rel.IsDraft && rel.IsPrerelease:
		return "prerelease_draft"
	case rel.IsDraft:
		return "release_draft"
	case rel.IsPrerelease:
		return "prerelease"
	default:
		return "release"
	}
}

func releaseEmbed(l locale.Localizer, rel github.Release) *discordgo.MessageEmbed {
	stage := l("release_feed.stage." + Stage(rel))

	body, truncated := truncate(HTMLToText(rel.BodyHTML), maxBodyLength)
	if body == "" {
		body = l("release_feed.no_description")
	}

	embed := &discordgo.MessageEmbed{
		Title:       l("release_feed.title", rel.Repo, stage, rel.Tag),
		URL:         rel.URL,
		Description: body,
		Color:       parseColor(rel.LanguageColor),
		Fields: []*discordgo.MessageEmbedField{{
			Name:  l("release_feed.info_field"),
			Value: infoValue(l, rel, truncated),
		}},
		Footer: &discordgo.MessageEmbedFooter{Text: l("release_feed.footer")},
	}
	if !rel.CreatedAt.IsZero() {
		embed.Timestamp = rel.CreatedAt.UTC().Format(time.RFC3339)
	}
	if rel.OpenGraphImage != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: rel.OpenGraphImage}
	}
	return embed
}

func infoValue(l locale.Localizer, rel github.Release, truncated bool) string {
	var lines []string

	created := ""
	if !rel.CreatedAt.IsZero() {
		created = fmt.Sprintf("<t:%d:R>", rel.CreatedAt.Unix())
	}
	if rel.Author.Login != "" {
		lines = append(lines, strings.TrimSpace(l("release_feed.created_by", rel.Author.Login, rel.Author.URL, created)))
	} else if created != "" {
		lines = append(lines, l("release_feed.created_by_unknown", created))
	}

	switch rel.AssetCount {
	case 0:
		lines = append(lines, l("release_feed.assets.none"))
	case 1:
		lines = append(lines, l("release_feed.assets.one"))
	default:
		lines = append(lines, l("release_feed.assets.many", rel.AssetCount))
	}

	if truncated && rel.URL != "" {
		lines = append(lines, l("release_feed.read_more", rel.URL))
	}
	return strings.Join(lines, "\n")
}

func missingEmbed(l locale.Localizer, repo string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       l("release_feed.missing.title"),
		Description: l("release_feed.missing.body", repo),
		Color:       defaultColor,
		Footer:      &discordgo.MessageEmbedFooter{Text: l("release_feed.footer")},
	}
}

func parseColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil || hex == "" {
		return defaultColor
	}
	return int(v)
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToText flattens rendered release notes into plain text, keeping
// paragraph breaks and list bullets.
func HTMLToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("li").PrependHtml("• ")
	doc.Find("p, div, li, pre, blockquote, h1, h2, h3, h4, h5, h6, tr").AppendHtml("\n")

	lines := strings.Split(doc.Text(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// truncate shortens s to at most limit runes, cutting at the last word
// boundary and appending an ellipsis. The second result reports whether s
// was shortened.
func truncate(s string, limit int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}

	cut := runes[:limit-len([]rune(ellipsis))]
	end := len(cut)
	// A word ending exactly at the cut is kept whole.
	if !unicode.IsSpace(runes[end]) {
		for end > 0 && !unicode.IsSpace(cut[end-1]) {
			end--
		}
	}
	if end == 0 {
		end = len(cut)
	}
	return strings.TrimRightFunc(string(cut[:end]), unicode.IsSpace) + ellipsis, true
}
