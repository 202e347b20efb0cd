// Package parser extracts seasons, teams, and team statistics from the
// league site's HTML.
package parser

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/giorgosg1an/go-scrape-superleague/models"
)

const (
	seasonListSelector = "ul.sub-current"
	teamCardSelector   = "a.team-card"
	teamNameSelector   = "div.container.fix-font-size.vertical-center"
	statsWrapSelector  = "div.team-stats-wrapper"
	totalStatsSelector = "div.total-stats-content div.row-team-info"
)

// seasonLabelPattern matches year-range labels like "2023-2024".
var seasonLabelPattern = regexp.MustCompile(`^\d{4}\s*[-/–]\s*\d{4}$`)

// ExtractSeasons locates the season-navigation list on the teams index
// page and returns one SeasonRef per anchor, in document order (newest
// first per the site layout). URLs are resolved against base.
func ExtractSeasons(sel *goquery.Selection, base *url.URL) ([]models.SeasonRef, error) {
	lists := sel.Find(seasonListSelector)
	seasonList := pickSeasonList(lists)
	if seasonList == nil {
		return nil, MalformedPageError{Page: "teams index", Selector: seasonListSelector}
	}

	var seasons []models.SeasonRef
	seasonList.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || href == "" {
			return
		}
		label := trimmedText(a.Find("li").First())
		if label == "" {
			label = trimmedText(a)
		}
		if label == "" {
			return
		}
		seasons = append(seasons, models.SeasonRef{
			Label: label,
			URL:   resolveURL(base, href),
		})
	})

	if len(seasons) == 0 {
		return nil, MalformedPageError{Page: "teams index", Selector: seasonListSelector + " a"}
	}
	return seasons, nil
}

// pickSeasonList disambiguates among the page's sub-current lists. The
// site renders several such menus; the season one is the list whose
// anchors carry year-range text. When more than one list qualifies the
// original layout rule applies: take the second-to-last match.
func pickSeasonList(lists *goquery.Selection) *goquery.Selection {
	var candidates []*goquery.Selection
	lists.Each(func(i int, _ *goquery.Selection) {
		list := lists.Eq(i)
		if isSeasonList(list) {
			candidates = append(candidates, list)
		}
	})

	if len(candidates) == 0 {
		// Fall back to position alone when no list looks season-like.
		lists.Each(func(i int, _ *goquery.Selection) {
			candidates = append(candidates, lists.Eq(i))
		})
	}

	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	default:
		return candidates[len(candidates)-2]
	}
}

// isSeasonList reports whether most of the list's anchors wrap
// year-range labels.
func isSeasonList(list *goquery.Selection) bool {
	anchors := list.Find("a")
	if anchors.Length() == 0 {
		return false
	}
	matched := 0
	anchors.Each(func(_ int, a *goquery.Selection) {
		label := trimmedText(a.Find("li").First())
		if label == "" {
			label = trimmedText(a)
		}
		if seasonLabelPattern.MatchString(label) {
			matched++
		}
	})
	return matched*2 > anchors.Length()
}

// ExtractTeams selects all team cards on a season roster page. A card
// missing its heading is logged and skipped; a page with no usable
// cards is malformed.
func ExtractTeams(sel *goquery.Selection, base *url.URL) ([]models.TeamRef, error) {
	var teams []models.TeamRef
	skipped := 0

	sel.Find(teamCardSelector).Each(func(i int, card *goquery.Selection) {
		href, ok := card.Attr("href")
		if !ok || href == "" {
			skipped++
			slog.Warn("team card without href, skipping", slog.Int("card", i))
			return
		}
		name := trimmedText(card.Find("h4").First())
		if name == "" {
			skipped++
			slog.Warn("team card without heading, skipping",
				slog.Int("card", i),
				slog.String("href", href),
			)
			return
		}
		teams = append(teams, models.TeamRef{
			Name: name,
			URL:  resolveURL(base, href),
		})
	})

	if len(teams) == 0 {
		return nil, MalformedPageError{Page: "season roster", Selector: teamCardSelector}
	}
	if skipped > 0 {
		slog.Warn("skipped malformed team cards", slog.Int("count", skipped))
	}
	return teams, nil
}

// ExtractTeamName pulls the team display name from its info page.
// Absence is not an error; the record simply lacks a usable name.
func ExtractTeamName(sel *goquery.Selection) string {
	return trimmedText(sel.Find(teamNameSelector).First())
}

// StatsURL derives a team's statistics page URL from its info page URL.
// The site serves both variants at the same path modulo this segment.
func StatsURL(infoURL string) string {
	return strings.ReplaceAll(infoURL, "info", "teamStats")
}

// statPairs are the repeated label/value pairs rendered inside each
// team-stats wrapper block.
var statPairs = []struct {
	label string
	value string
}{
	{"div.position", "div.bold.position-value"},
	{"div.points", "div.bold.points-value"},
	{"div.games", "div.bold.games-value"},
}

// ExtractTeamStats extracts a flat stat record from a team's statistics
// page. teamName (from the companion info page) is merged in between
// the wrapper pairs and the total-stats rows, preserving the original
// last-write-wins ordering. Skipped pairs are returned as
// MissingFieldError values for the caller to log and count.
func ExtractTeamStats(sel *goquery.Selection, teamName string) (*models.StatRecord, []error) {
	record := models.NewStatRecord()
	var skipped []error

	sel.Find(statsWrapSelector).Each(func(_ int, wrapper *goquery.Selection) {
		for _, pair := range statPairs {
			label := trimmedText(wrapper.Find(pair.label).First())
			value := trimmedText(wrapper.Find(pair.value).First())
			if label == "" || value == "" {
				skipped = append(skipped, MissingFieldError{
					Block: "team-stats-wrapper",
					Field: strings.TrimPrefix(pair.label, "div."),
				})
				continue
			}
			record.Set(label, value)
		}
	})

	record.Set(models.KeyTeam, teamName)

	sel.Find(totalStatsSelector).Each(func(_ int, row *goquery.Selection) {
		label := trimmedText(row.Find("div.bold").First())
		value := trimmedText(row.Find("div.text-right").First())
		if label == "" || value == "" {
			skipped = append(skipped, MissingFieldError{
				Block: "total-stats",
				Field: "label/value",
			})
			return
		}
		record.Set(label, value)
	})

	return record, skipped
}

// ValidateRecord ensures the extractor captured at least one stat
// besides the reserved keys.
func ValidateRecord(r *models.StatRecord) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	for _, key := range r.Keys() {
		if key != models.KeyTeam && key != models.KeySeason {
			return nil
		}
	}
	return fmt.Errorf("record has no stat fields")
}

func trimmedText(sel *goquery.Selection) string {
	return strings.TrimSpace(sel.Text())
}

func resolveURL(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
