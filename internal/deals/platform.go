package deals

import "strings"

// Platform is the social network the channel lives on.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformTelegram  Platform = "telegram"
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
	PlatformTwitch    Platform = "twitch"
	PlatformOther     Platform = "other"
)

var platforms = map[Platform]bool{
	PlatformYouTube:   true,
	PlatformInstagram: true,
	PlatformTikTok:    true,
	PlatformTelegram:  true,
	PlatformTwitter:   true,
	PlatformFacebook:  true,
	PlatformTwitch:    true,
	PlatformOther:     true,
}

// ParsePlatform normalizes a platform value supplied by the listing catalog.
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	return p, platforms[p]
}

// Checked in order; the first keyword found in the title wins.
var titleKeywords = []struct {
	keyword  string
	platform Platform
}{
	{"youtube", PlatformYouTube},
	{"yt ", PlatformYouTube},
	{"instagram", PlatformInstagram},
	{"insta", PlatformInstagram},
	{"tiktok", PlatformTikTok},
	{"tik tok", PlatformTikTok},
	{"telegram", PlatformTelegram},
	{"twitter", PlatformTwitter},
	{"facebook", PlatformFacebook},
	{"twitch", PlatformTwitch},
}

// ClassifyTitle guesses the platform from a listing title. It is only used
// for deals created without an explicit platform.
func ClassifyTitle(title string) Platform {
	t := " " + strings.ToLower(title) + " "
	for _, kw := range titleKeywords {
		if strings.Contains(t, kw.keyword) {
			return kw.platform
		}
	}
	return PlatformOther
}
